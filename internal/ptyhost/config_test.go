package ptyhost

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":7890" {
		t.Fatalf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.IPCHighWatermarkPercent != 80 {
		t.Fatalf("IPCHighWatermarkPercent = %d, want 80", cfg.IPCHighWatermarkPercent)
	}
	if cfg.MaxPendingBytesPerTerminal != MaxPendingBytesPerTerminal {
		t.Fatalf("MaxPendingBytesPerTerminal = %d, want %d", cfg.MaxPendingBytesPerTerminal, MaxPendingBytesPerTerminal)
	}
}

func TestSaveThenLoadConfig_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.ListenAddr = ":9999"
	cfg.ShardCount = 8
	cfg.Debug = true

	if err := SaveConfig(dir, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q, want :9999", loaded.ListenAddr)
	}
	if loaded.ShardCount != 8 {
		t.Fatalf("ShardCount = %d, want 8", loaded.ShardCount)
	}
	if !loaded.Debug {
		t.Fatal("expected Debug to round-trip true")
	}
}

func TestLoadConfig_PartialYAMLKeepsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ptyhost.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":1234\"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":1234" {
		t.Fatalf("ListenAddr = %q, want :1234", cfg.ListenAddr)
	}
	if cfg.IPCHighWatermarkPercent != 80 {
		t.Fatalf("IPCHighWatermarkPercent = %d, want default 80 to survive a partial file", cfg.IPCHighWatermarkPercent)
	}
}

func TestConfig_DurationHelpersConvertMillisecondFields(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackpressureSafetyTimeoutMS = 1500
	if got := cfg.backpressureSafetyTimeout(); got.Milliseconds() != 1500 {
		t.Fatalf("backpressureSafetyTimeout() = %v, want 1500ms", got)
	}
}
