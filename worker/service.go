package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/kardianos/service"

	"github.com/wfahnestock/caass-server/common/util"
)

// stopTimeout bounds how long Stop waits for in-flight deliveries.
const stopTimeout = 30 * time.Second

// program implements service.Interface
type program struct {
	configPath string

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
	err       error
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("CAASS provision worker starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	p.err = runWorker(p.ctx, p.configPath, true)
	if p.err != nil {
		if p.svcLogger != nil {
			p.svcLogger.Error(fmt.Sprintf("CAASS provision worker failed: %v", p.err))
		}
		// The service manager restarts us on failure.
		os.Exit(1)
	}

	if p.svcLogger != nil {
		p.svcLogger.Info("CAASS provision worker stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("CAASS provision worker stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("CAASS provision worker stopped gracefully")
		}
	case <-time.After(stopTimeout):
		if p.svcLogger != nil {
			p.svcLogger.Warning("CAASS provision worker stopped with timeout")
		}
	}

	return nil
}

// serviceDataDir returns the working directory of the installed service.
func serviceDataDir() string {
	switch goruntime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "CAASS", serviceComponent)
	case "darwin":
		return filepath.Join("/Library/Application Support", "CAASS", serviceComponent)
	default:
		return filepath.Join("/var/lib/caass", serviceComponent)
	}
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig() *service.Config {
	return &service.Config{
		Name:             "CAASSProvisionWorker",
		DisplayName:      "CAASS Provision Worker",
		Description:      "Provisions a dedicated PostgreSQL container for every newly created CAASS tenant.",
		WorkingDirectory: serviceDataDir(),
		Arguments:        []string{"run"},
		Dependencies:     []string{"After=network-online.target docker.service"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// setupServiceDirectories creates the directories the installed service uses
// and a default config file when none exists.
func setupServiceDirectories() error {
	var configPath string
	dirs := []string{serviceDataDir()}

	switch goruntime.GOOS {
	case "windows", "darwin":
		dirs = append(dirs, filepath.Join(serviceDataDir(), "logs"))
		configPath = filepath.Join(serviceDataDir(), configFileName)
	default:
		dirs = append(dirs,
			filepath.Join("/var/log/caass", serviceComponent),
			filepath.Join("/etc/caass", serviceComponent),
		)
		configPath = filepath.Join("/etc/caass", serviceComponent, configFileName)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := WriteDefaultConfig(configPath); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			util.ShowInfo("Configuration already exists at: " + configPath)
			return nil
		}
		return fmt.Errorf("failed to generate default config at %s: %w", configPath, err)
	}
	util.ShowSuccess("Generated default configuration at: " + configPath)
	util.ShowWarning("Set rabbitmq.host, rabbitmq.username and rabbitmq.password before starting the service")
	return nil
}

// handleServiceCommand processes install/uninstall/start/stop/run.
func handleServiceCommand(cmd, configPath string) error {
	prg := &program{configPath: configPath}
	s, err := service.New(prg, getServiceConfig())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				util.ShowWarning("Service already installed")
				return nil
			}
			return fmt.Errorf("failed to install service: %w", err)
		}
		util.ShowSuccess("Service installed")
		util.ShowInfo("Use 'start' to start the service")
	case "uninstall":
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		util.ShowSuccess("Service uninstalled")
	case "start":
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		util.ShowSuccess("Service started")
	case "stop":
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		util.ShowSuccess("Service stopped")
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command %q (valid: install, uninstall, start, stop, run)", cmd)
	}
	return nil
}
