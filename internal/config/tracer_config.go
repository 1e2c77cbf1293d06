package config

import (
	"errors"
	"flag"
	"fmt"
)

// TracerConfig is the crash tracer's CLI configuration surface (spec.md
// §6). Validation collects every problem, then returns them joined.
type TracerConfig struct {
	// OutputDir is the directory where per-crash reports and the SQLite
	// database are written.
	OutputDir string

	// Verbose enables debug-level logging.
	Verbose bool
}

// defaultOutputDir is used when --output-dir is not given.
const defaultOutputDir = "/tmp/crash-tracer/"

// ParseTracerFlags parses the crash tracer's CLI flags from args (typically
// os.Args[1:]) and validates the result.
func ParseTracerFlags(args []string) (*TracerConfig, error) {
	fs := flag.NewFlagSet("crash-tracer", flag.ContinueOnError)

	outputDir := fs.String("output-dir", defaultOutputDir, "directory where per-crash reports and the database file are written")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg := &TracerConfig{OutputDir: *outputDir, Verbose: *verbose}
	if err := validateTracerConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func validateTracerConfig(cfg *TracerConfig) error {
	var errs []error
	if cfg.OutputDir == "" {
		errs = append(errs, errors.New("output-dir must not be empty"))
	}
	return errors.Join(errs...)
}
