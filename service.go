package main

import (
	"context"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("PrintHive virtual printer service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	runEmulator(p.ctx, true)
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("PrintHive virtual printer service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	// Wait for run() to finish with timeout
	select {
	case <-p.done:
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("PrintHive virtual printer service stopped with timeout")
		}
	}

	return nil
}

// getServiceConfig returns the service configuration for the platform
func getServiceConfig() *service.Config {
	return &service.Config{
		Name:        "printhive-virtualprinter",
		DisplayName: "PrintHive Virtual Printer",
		Description: "Emulates a networked 3D printer so slicers can upload directly to PrintHive",
		Arguments:   []string{},
	}
}
