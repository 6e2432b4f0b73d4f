// PrintHive virtual printer emulator.
// Advertises this host as a networked 3D printer (SSDP discovery, mDNS,
// implicit FTPS uploads) so slicers can send jobs straight to PrintHive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"printhive/virtualprinter/config"
	"printhive/virtualprinter/logger"
	"printhive/virtualprinter/printer"
	"printhive/virtualprinter/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFlag     = flag.String("config", "", "path to configuration file")
	serviceFlag    = flag.String("service", "", "control the system service: install, uninstall, start, stop")
	regenCertsFlag = flag.Bool("regen-certs", false, "delete certificate material and regenerate on startup")
	versionFlag    = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("printhive-virtualprinter %s (built %s)\n", Version, BuildTime)
		return
	}

	prg := &program{}
	svc, err := service.New(prg, getServiceConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize service: %v\n", err)
		os.Exit(1)
	}

	if *serviceFlag != "" {
		if err := service.Control(svc, *serviceFlag); err != nil {
			fmt.Fprintf(os.Stderr, "service %s failed: %v\n", *serviceFlag, err)
			os.Exit(1)
		}
		fmt.Printf("service %s: ok\n", *serviceFlag)
		return
	}

	if service.Interactive() {
		ctx, cancel := context.WithCancel(context.Background())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if err := runEmulator(ctx, false); err != nil {
			fmt.Fprintf(os.Stderr, "emulator failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "service run failed: %v\n", err)
		os.Exit(1)
	}
}

// runEmulator wires the three services together and supervises them
// until ctx is canceled. Only missing certificate material is fatal;
// a degraded discovery or upload service leaves the rest running.
func runEmulator(ctx context.Context, isService bool) error {
	cfg, configPath, err := loadConfig(*configFlag, isService)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := resolveDataPaths(cfg, isService); err != nil {
		return err
	}

	logDir, err := config.GetLogDirectory(isService)
	if err != nil {
		return err
	}
	appLogger := logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, 500)
	defer appLogger.Close()
	printer.SetLogger(appLogger)

	appLogger.Info("PrintHive virtual printer starting",
		"version", Version,
		"config", configPath,
		"name", cfg.Printer.Name,
		"serial", cfg.Printer.Serial,
		"model", cfg.Printer.Model)

	identity := printer.Identity{
		Name:   cfg.Printer.Name,
		Serial: cfg.Printer.Serial,
		Model:  cfg.Printer.Model,
	}

	certService := printer.NewCertificateService(cfg.Certificates.Dir, identity.Serial)
	if *regenCertsFlag {
		if err := certService.DeleteCertificates(); err != nil {
			appLogger.Warn("Failed to delete certificates for regeneration", "error", err)
		}
	}

	// Without valid TLS material no service can start: fatal, not retried.
	certPath, keyPath, err := certService.EnsureCertificates()
	if err != nil {
		return fmt.Errorf("certificate setup failed: %w", err)
	}

	uploadStore, err := storage.NewUploadStore(cfg.Database.Path)
	if err != nil {
		appLogger.Warn("Upload history unavailable", "error", err)
		uploadStore = nil
	} else {
		defer uploadStore.Close()
	}

	ftpServer, err := printer.NewFTPServer(cfg.FTP.UploadDir, cfg.Printer.AccessCode, certPath, keyPath)
	if err != nil {
		return err
	}
	ftpServer.Port = cfg.FTP.Port
	ftpServer.OnFileReceived = func(path, sourceIP string) error {
		appLogger.Info("Upload received", "path", path, "source", sourceIP)
		if uploadStore == nil {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		_, err = uploadStore.Record(storage.UploadRecord{
			Filename:  filepath.Base(path),
			Path:      path,
			SourceIP:  sourceIP,
			SizeBytes: info.Size(),
		})
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ftpServer.Run(ctx); err != nil {
			appLogger.Error("FTPS server stopped", "error", err)
		}
	}()

	if cfg.SSDP.Enabled {
		responder := printer.NewSSDPResponder(identity)
		responder.Port = cfg.SSDP.Port
		if cfg.SSDP.AnnounceIntervalSeconds > 0 {
			responder.AnnounceInterval = time.Duration(cfg.SSDP.AnnounceIntervalSeconds) * time.Second
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := responder.Run(ctx); err != nil {
				// Usual cause: a real printer's discovery service holds
				// the port. Degraded, not fatal.
				appLogger.Warn("SSDP responder unavailable", "error", err)
			}
		}()
	}

	if cfg.MDNS.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			printer.AnnounceMDNS(ctx, identity, cfg.FTP.Port)
		}()
	}

	<-ctx.Done()
	appLogger.Info("PrintHive virtual printer shutting down")
	wg.Wait()
	return nil
}
