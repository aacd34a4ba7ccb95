//go:build windows

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceName = "KiroGateway"
const serviceDisplayName = "Kiro Gateway"
const serviceDescription = "Multi-tenant Anthropic Messages API gateway relaying to the Kiro/CodeWhisperer upstream"

// gatewayService implements svc.Handler, running the same bootstrap path
// main() uses in the foreground.
type gatewayService struct {
	configPath string
}

func (s *gatewayService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	a, err := bootstrap(optionsFromConfigPath(s.configPath))
	if err != nil {
		elog, _ := eventlog.Open(serviceName)
		if elog != nil {
			elog.Error(1, fmt.Sprintf("bootstrap failed: %v", err))
			elog.Close()
		}
		return false, 1
	}

	go func() {
		if err := a.server.Start(); err != nil {
			elog, _ := eventlog.Open(serviceName)
			if elog != nil {
				elog.Error(1, fmt.Sprintf("server error: %v", err))
				elog.Close()
			}
		}
	}()

	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for req := range r {
		switch req.Cmd {
		case svc.Stop, svc.Shutdown:
			changes <- svc.Status{State: svc.StopPending}
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			_ = a.server.Stop(shutdownCtx)
			_ = a.configWatcher.Close()
			done()
			return false, 0
		case svc.Interrogate:
			changes <- req.CurrentStatus
		}
	}
	return false, 0
}

// runService starts the gateway as a running Windows service.
func runService(configPath string) error {
	elog, err := eventlog.Open(serviceName)
	if err != nil {
		return err
	}
	defer elog.Close()

	elog.Info(1, fmt.Sprintf("starting %s service", serviceName))
	if err := svc.Run(serviceName, &gatewayService{configPath: configPath}); err != nil {
		elog.Error(1, fmt.Sprintf("service failed: %v", err))
		return err
	}
	elog.Info(1, fmt.Sprintf("%s service stopped", serviceName))
	return nil
}

func installService(configPath string) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	exePath = filepath.Clean(exePath)

	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(serviceName); err == nil {
		s.Close()
		return fmt.Errorf("service %s already exists", serviceName)
	}

	args := []string{"-service"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	s, err := m.CreateService(serviceName, exePath, mgr.Config{
		DisplayName:  serviceDisplayName,
		Description:  serviceDescription,
		StartType:    mgr.StartAutomatic,
		ErrorControl: mgr.ErrorNormal,
	}, args...)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer s.Close()

	if err := s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 60 * time.Second},
	}, 86400); err != nil {
		log.WithError(err).Warn("failed to set recovery actions")
	}

	if err := eventlog.InstallAsEventCreate(serviceName, eventlog.Error|eventlog.Warning|eventlog.Info); err != nil {
		log.WithError(err).Debug("event log source may already exist")
	}

	fmt.Printf("service %s installed\n", serviceName)
	return nil
}

func uninstallService() error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service %s not found: %w", serviceName, err)
	}
	defer s.Close()

	if status, err := s.Query(); err == nil && status.State != svc.Stopped {
		_, _ = s.Control(svc.Stop)
		for i := 0; i < 10; i++ {
			time.Sleep(500 * time.Millisecond)
			status, err = s.Query()
			if err != nil || status.State == svc.Stopped {
				break
			}
		}
	}

	if err := s.Delete(); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	_ = eventlog.Remove(serviceName)
	fmt.Printf("service %s uninstalled\n", serviceName)
	return nil
}

func startService() error {
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service %s not found: %w", serviceName, err)
	}
	defer s.Close()
	return s.Start()
}

func stopService() error {
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service %s not found: %w", serviceName, err)
	}
	defer s.Close()

	_, err = s.Control(svc.Stop)
	return err
}

func serviceStatus() string {
	m, err := mgr.Connect()
	if err != nil {
		return "unknown"
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return "not installed"
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return "unknown"
	}

	switch status.State {
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "starting"
	case svc.StopPending:
		return "stopping"
	case svc.Running:
		return "running"
	default:
		return "unknown"
	}
}

// handleServiceCommand dispatches "kirogateway service <install|uninstall|start|stop|status>".
func handleServiceCommand(args []string) bool {
	if len(args) < 2 || args[0] != "service" {
		return false
	}
	switch strings.ToLower(args[1]) {
	case "install":
		configPath := ""
		if len(args) > 2 {
			configPath = args[2]
		}
		if err := installService(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "uninstall", "remove":
		if err := uninstallService(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "start":
		if err := startService(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service started")
	case "stop":
		if err := stopService(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("service stopped")
	case "status":
		fmt.Printf("service status: %s\n", serviceStatus())
	default:
		return false
	}
	return true
}
