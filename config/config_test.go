package config

import (
	"os"
	"path/filepath"
	"testing"
)

type sampleConfig struct {
	Name    string        `toml:"name"`
	Port    int           `toml:"port"`
	Logging LoggingConfig `toml:"logging"`
}

func TestWriteAndLoadTOML(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "virtualprinter.toml")

	in := sampleConfig{
		Name: "Test Printer",
		Port: 9990,
		Logging: LoggingConfig{
			Level: "DEBUG",
		},
	}
	if err := WriteDefaultTOML(configPath, in); err != nil {
		t.Fatalf("WriteDefaultTOML failed: %v", err)
	}

	var out sampleConfig
	if err := LoadTOML(configPath, &out); err != nil {
		t.Fatalf("LoadTOML failed: %v", err)
	}

	if out.Name != in.Name {
		t.Errorf("name: got %q, want %q", out.Name, in.Name)
	}
	if out.Port != in.Port {
		t.Errorf("port: got %d, want %d", out.Port, in.Port)
	}
	if out.Logging.Level != "DEBUG" {
		t.Errorf("logging level: got %q, want DEBUG", out.Logging.Level)
	}
}

func TestLoadTOMLMissingFile(t *testing.T) {
	t.Parallel()

	var out sampleConfig
	if err := LoadTOML(filepath.Join(t.TempDir(), "nope.toml"), &out); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestGetConfigSearchPaths(t *testing.T) {
	t.Parallel()

	paths := GetConfigSearchPaths("virtualprinter.toml")
	if len(paths) < 2 {
		t.Fatalf("expected multiple search paths, got %v", paths)
	}
	// Current directory is always the last-resort fallback
	last := paths[len(paths)-1]
	if last != filepath.Join(".", "virtualprinter.toml") {
		t.Errorf("expected cwd fallback last, got %q", last)
	}
}

func TestApplyLoggingEnvOverrides(t *testing.T) {
	cfg := LoggingConfig{Level: "INFO"}

	os.Setenv("LOG_LEVEL", "TRACE")
	defer os.Unsetenv("LOG_LEVEL")

	ApplyLoggingEnvOverrides(&cfg)
	if cfg.Level != "TRACE" {
		t.Errorf("expected env override to TRACE, got %q", cfg.Level)
	}
}
