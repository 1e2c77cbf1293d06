package config

import "testing"

func TestParseTracerFlagsDefaults(t *testing.T) {
	cfg, err := ParseTracerFlags(nil)
	if err != nil {
		t.Fatalf("ParseTracerFlags: %v", err)
	}
	if cfg.OutputDir != defaultOutputDir {
		t.Errorf("OutputDir = %q, want %q", cfg.OutputDir, defaultOutputDir)
	}
	if cfg.Verbose {
		t.Error("Verbose should default to false")
	}
}

func TestParseTracerFlagsOverrides(t *testing.T) {
	cfg, err := ParseTracerFlags([]string{"--output-dir", "/var/crashes", "--verbose"})
	if err != nil {
		t.Fatalf("ParseTracerFlags: %v", err)
	}
	if cfg.OutputDir != "/var/crashes" {
		t.Errorf("OutputDir = %q, want /var/crashes", cfg.OutputDir)
	}
	if !cfg.Verbose {
		t.Error("Verbose should be true")
	}
}

func TestParseTracerFlagsRejectsEmptyOutputDir(t *testing.T) {
	if _, err := ParseTracerFlags([]string{"--output-dir", ""}); err == nil {
		t.Fatal("expected an error for an empty --output-dir")
	}
}

func TestParseTracerFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := ParseTracerFlags([]string{"--bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognized flag")
	}
}
