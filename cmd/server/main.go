// Package main is the entry point for the virt-mcp server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamesprial/virt-mcp/internal/auth"
	"github.com/jamesprial/virt-mcp/internal/config"
	"github.com/jamesprial/virt-mcp/internal/host"
	"github.com/jamesprial/virt-mcp/internal/metrics"
	"github.com/jamesprial/virt-mcp/internal/monitor"
	"github.com/jamesprial/virt-mcp/internal/safety"
	"github.com/jamesprial/virt-mcp/internal/sshprobe"
	"github.com/jamesprial/virt-mcp/internal/tools"
	"github.com/jamesprial/virt-mcp/internal/vm"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultConfigPath = "/etc/virt-mcp/config.yaml"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	log := logrus.StandardLogger()

	cfg := loadConfig(log)
	config.ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration:\n%v", err)
	}
	configureLogging(log, cfg.Log)

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		log.WithError(err).Warn("could not generate auth token; running without authentication")
	} else if tokenBefore == "" {
		log.Warnf("generated auth token (set VIRT_MCP_AUTH_TOKEN to persist): %s", token)
	}

	var audit *safety.AuditLogger
	if cfg.Audit.Enabled {
		a, closer, err := safety.OpenAuditLog(cfg.Audit.LogPath)
		if err != nil {
			log.WithError(err).Warn("audit logging disabled")
		} else {
			audit = a
			defer closer.Close()
		}
	}

	filter, err := safety.NewFilter(cfg.Safety.VMs.Allowlist, cfg.Safety.VMs.Denylist)
	if err != nil {
		log.Fatalf("safety filter: %v", err)
	}
	confirm := safety.NewConfirmationTracker(vm.DestructiveTools, cfg.Safety.ConfirmTTL)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promRegistry)
	if err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	factory, err := newFactory(cfg, log)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	if err := factory.HypervisorHealthCheck(ctx); err != nil {
		log.WithError(err).Warn("hypervisor not reachable at startup; states will be reported as unknown")
	}
	log.Infof("hypervisor backend %s", factory.BackendVersionString(ctx))

	stateFile, err := monitor.OpenStateFile(cfg.State.Path)
	if err != nil {
		log.Fatalf("state file: %v", err)
	}
	if stateFile.Path() == "" {
		log.Info("instance state kept in memory")
	} else {
		log.Infof("instance state file %s", stateFile.Path())
	}

	registry := vm.NewRegistry(factory)
	for _, desc := range cfg.Instances {
		if err := registry.Add(ctx, desc, monitor.New(desc.Name, stateFile, m, log)); err != nil {
			log.Fatalf("instance %q: %v", desc.Name, err)
		}
	}
	log.Infof("managing %d instance(s)", len(cfg.Instances))

	mcpServer := server.NewMCPServer(
		"virt-mcp",
		version,
		server.WithToolCapabilities(false),
	)
	tools.RegisterAll(mcpServer, vm.VMTools(registry, filter, confirm, audit, m), log)
	hostReader, err := host.NewProcReader(cfg.Host.ProcPath)
	if err != nil {
		log.Fatalf("host capacity: %v", err)
	}
	tools.RegisterAll(mcpServer, host.HostTools(hostReader, registry, filter, audit, m), log)

	mux := http.NewServeMux()
	mux.Handle("/", server.NewStreamableHTTPServer(mcpServer))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           auth.NewAuthMiddleware(cfg.Server.AuthToken, log)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infof("virt-mcp %s listening on %s", version, addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-stop
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown error")
	}
	log.Info("server stopped")
}

// newFactory wires the libvirt driver, SSH probe, and shutdown policy.
func newFactory(cfg *config.Config, log logrus.FieldLogger) (*vm.Factory, error) {
	driver, err := vm.NewLibvirtDriver(cfg.Libvirt.Socket, cfg.Libvirt.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("libvirt driver: %w", err)
	}
	probe, err := sshprobe.New(cfg.SSH.User, cfg.SSH.PrivateKeyPath, log)
	if err != nil {
		return nil, fmt.Errorf("ssh probe: %w", err)
	}

	return vm.NewFactory(driver,
		vm.WithSSHProbe(probe),
		vm.WithShutdownPolicy(vm.ShutdownPolicy{
			GracePeriod:        cfg.Shutdown.GracePeriod,
			ForceOffAfterGrace: cfg.Shutdown.ForceAfterGrace,
		}),
		vm.WithLeaseNetwork(cfg.Libvirt.LeaseNetwork),
		vm.WithSSHPort(cfg.SSH.Port),
		vm.WithPollInterval(cfg.SSH.PollInterval),
		vm.WithLogger(log),
	), nil
}

// configureLogging applies the validated level and format.
func configureLogging(log *logrus.Logger, c config.LogConfig) {
	if level, err := logrus.ParseLevel(c.Level); err == nil {
		log.SetLevel(level)
	}
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// loadConfig reads the config file named by VIRT_MCP_CONFIG_PATH, or the
// default path. If the file cannot be read, DefaultConfig is returned.
func loadConfig(log logrus.FieldLogger) *config.Config {
	path := os.Getenv("VIRT_MCP_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Warnf("could not load config from %q, using defaults", path)
		return config.DefaultConfig()
	}

	log.Infof("loaded config from %q", path)
	return cfg
}
