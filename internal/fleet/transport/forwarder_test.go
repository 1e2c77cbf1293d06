package transport

import (
	"context"
	"testing"
	"time"
)

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.InitialBackoff != defaultInitialBackoff {
		t.Errorf("InitialBackoff = %v, want %v", cfg.InitialBackoff, defaultInitialBackoff)
	}
	if cfg.MaxBackoff != defaultMaxBackoff {
		t.Errorf("MaxBackoff = %v, want %v", cfg.MaxBackoff, defaultMaxBackoff)
	}
	if cfg.DialTimeout != defaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", cfg.DialTimeout, defaultDialTimeout)
	}
}

func TestConfigApplyDefaultsPreservesOverrides(t *testing.T) {
	cfg := Config{InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute, DialTimeout: 2 * time.Second}
	cfg.applyDefaults()
	if cfg.InitialBackoff != 5*time.Second || cfg.MaxBackoff != time.Minute || cfg.DialTimeout != 2*time.Second {
		t.Fatalf("applyDefaults overrode explicit values: %+v", cfg)
	}
}

func TestSendWithoutConnectionErrors(t *testing.T) {
	f := New(Config{FleetAddr: "127.0.0.1:0"}, nil)
	err := f.Send(context.Background(), CrashSummary{PID: 1234, Cmd: "demo"})
	if err == nil {
		t.Fatal("expected an error sending without an active stream")
	}
}

func TestLoadTLSCredentialsMissingFilesErrors(t *testing.T) {
	f := New(Config{
		FleetAddr: "127.0.0.1:0",
		CertPath:  "/nonexistent/host.crt",
		KeyPath:   "/nonexistent/host.key",
		CAPath:    "/nonexistent/ca.crt",
	}, nil)
	if _, err := f.loadTLSCredentials(); err == nil {
		t.Fatal("expected an error loading nonexistent TLS material")
	}
}

func TestStopBeforeStartDoesNotBlock(t *testing.T) {
	f := New(Config{FleetAddr: "127.0.0.1:0"}, nil)
	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked when called before Start")
	}
}
