package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"printhive/virtualprinter/config"
	"printhive/virtualprinter/printer"
)

const configFileName = "virtualprinter.toml"

// EmulatorConfig is the full configuration of the virtual printer
// emulator.
type EmulatorConfig struct {
	Printer      PrinterConfig         `toml:"printer"`
	FTP          FTPConfig             `toml:"ftp"`
	SSDP         SSDPConfig            `toml:"ssdp"`
	MDNS         MDNSConfig            `toml:"mdns"`
	Certificates CertificateConfig     `toml:"certificates"`
	Database     config.DatabaseConfig `toml:"database"`
	Logging      config.LoggingConfig  `toml:"logging"`
}

// PrinterConfig is the advertised identity and access credential
type PrinterConfig struct {
	Name       string `toml:"name"`
	Serial     string `toml:"serial"`
	Model      string `toml:"model"`
	AccessCode string `toml:"access_code"` // Generated on first run if empty
}

// FTPConfig holds the upload server settings
type FTPConfig struct {
	Port      int    `toml:"port"`
	UploadDir string `toml:"upload_dir"` // Defaults to <data dir>/uploads
}

// SSDPConfig holds the discovery responder settings
type SSDPConfig struct {
	Enabled                 bool `toml:"enabled"`
	Port                    int  `toml:"port"`
	AnnounceIntervalSeconds int  `toml:"announce_interval_seconds"`
}

// MDNSConfig holds the mDNS announcement settings
type MDNSConfig struct {
	Enabled bool `toml:"enabled"`
}

// CertificateConfig holds the certificate store location
type CertificateConfig struct {
	Dir string `toml:"dir"` // Defaults to <data dir>/certs
}

// DefaultEmulatorConfig returns the emulator configuration with defaults
func DefaultEmulatorConfig() *EmulatorConfig {
	identity := printer.DefaultIdentity()
	return &EmulatorConfig{
		Printer: PrinterConfig{
			Name:       identity.Name,
			Serial:     identity.Serial,
			Model:      identity.Model,
			AccessCode: "",
		},
		FTP: FTPConfig{
			Port:      printer.DefaultFTPPort,
			UploadDir: "",
		},
		SSDP: SSDPConfig{
			Enabled:                 true,
			Port:                    2021,
			AnnounceIntervalSeconds: 30,
		},
		MDNS: MDNSConfig{
			Enabled: true,
		},
		Certificates: CertificateConfig{
			Dir: "",
		},
		Database: config.DatabaseConfig{
			Path: "",
		},
		Logging: config.LoggingConfig{
			Level: "INFO",
		},
	}
}

// loadConfig loads the configuration, writing a default file (with a
// freshly generated access code) when none exists yet.
func loadConfig(explicitPath string, isService bool) (*EmulatorConfig, string, error) {
	cfg := DefaultEmulatorConfig()

	configPath := explicitPath
	if configPath == "" {
		if found, _, err := config.FindConfigFile(configFileName); err == nil {
			configPath = found
		}
	}

	if configPath != "" {
		if err := config.LoadTOML(configPath, cfg); err != nil {
			return nil, "", err
		}
	}

	changed := false
	if cfg.Printer.AccessCode == "" {
		code, err := generateAccessCode()
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate access code: %w", err)
		}
		cfg.Printer.AccessCode = code
		changed = true
	}

	if configPath == "" || changed {
		if configPath == "" {
			dataDir, err := config.GetDataDirectory(isService)
			if err != nil {
				return nil, "", err
			}
			configPath = filepath.Join(dataDir, configFileName)
		}
		if err := config.WriteDefaultTOML(configPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, configPath, nil
}

// applyEnvOverrides lets deployment environments override file settings
func applyEnvOverrides(cfg *EmulatorConfig) {
	if val := os.Getenv("VP_SERIAL"); val != "" {
		cfg.Printer.Serial = val
	}
	if val := os.Getenv("VP_NAME"); val != "" {
		cfg.Printer.Name = val
	}
	if val := os.Getenv("VP_ACCESS_CODE"); val != "" {
		cfg.Printer.AccessCode = val
	}
	if val := os.Getenv("VP_FTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.FTP.Port = port
		}
	}
	if val := os.Getenv("VP_UPLOAD_DIR"); val != "" {
		cfg.FTP.UploadDir = val
	}
	config.ApplyLoggingEnvOverrides(&cfg.Logging)
	config.ApplyDatabaseEnvOverrides(&cfg.Database)
}

// resolveDataPaths fills in defaults that live under the data directory
func resolveDataPaths(cfg *EmulatorConfig, isService bool) error {
	dataDir, err := config.GetDataDirectory(isService)
	if err != nil {
		return err
	}
	if cfg.FTP.UploadDir == "" {
		cfg.FTP.UploadDir = filepath.Join(dataDir, "uploads")
	}
	if cfg.Certificates.Dir == "" {
		cfg.Certificates.Dir = filepath.Join(dataDir, "certs")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(dataDir, "uploads.db")
	}
	return nil
}

// generateAccessCode produces an 8-digit access code in the format real
// printers display on their screens.
func generateAccessCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return fmt.Sprintf("%08d", n%100000000), nil
}
