package fleet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ListenerConfig describes the fleet server's network and TLS configuration,
// loaded from a YAML file so operators can manage certificate rotation
// without rebuilding the binary.
type ListenerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`

	TLSCertPath string `yaml:"tls_cert"`
	TLSKeyPath  string `yaml:"tls_key"`
	TLSCAPath   string `yaml:"tls_ca"`

	JWTPublicKeyPath string `yaml:"jwt_pubkey"`

	DSN string `yaml:"dsn"`

	LogLevel string `yaml:"log_level"`
}

// LoadListenerConfig reads and parses a ListenerConfig from path, applying
// defaults for any field left empty.
func LoadListenerConfig(path string) (*ListenerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg ListenerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *ListenerConfig) applyDefaults() {
	if c.GRPCAddr == "" {
		c.GRPCAddr = ":4443"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
