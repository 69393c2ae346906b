// livenessd runs the liveness scoring daemon: it accepts capture sessions
// over HTTP and WebSocket, analyzes their frames, publishes trust scores and
// forwards them to the evaluation gateway on request.
//
//	livenessd [-config path] [-env file]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"livenessd/internal/config"
	"livenessd/internal/gateway"
	"livenessd/internal/health"
	"livenessd/internal/logging"
	"livenessd/internal/metrics"
	"livenessd/internal/pipeline"
	"livenessd/internal/security"
	"livenessd/internal/server"
	"livenessd/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: platform config dir)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("livenessd", Version)
		return
	}

	if err := loadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "livenessd: %v\n", err)
		os.Exit(1)
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "livenessd: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv reads a dotenv file into the environment. A missing file is
// not an error; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lcfg, err := cfg.LoggerConfig("livenessd")
	if err != nil {
		return err
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	lock, err := security.AcquireInstanceLock(filepath.Dir(cfg.Storage.Path))
	if err != nil {
		return err
	}
	defer lock.Release()

	var audit *logging.AuditLogger
	if ac := cfg.AuditConfig("livenessd"); ac != nil {
		if audit, err = logging.NewAuditLogger(ac); err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	weights, err := cfg.Weights()
	if err != nil {
		return fmt.Errorf("scoring weights: %w", err)
	}

	lm := metrics.NewLivenessMetrics(metrics.NewRegistry(cfg.Metrics.Namespace))

	var (
		gw   *gateway.Client
		eval pipeline.Evaluator
	)
	if cfg.Gateway.Enabled {
		if gw, err = gateway.New(cfg.GatewayClientConfig(), nil); err != nil {
			return err
		}
		eval = gw
	}

	manager, err := pipeline.NewManager(pipeline.ManagerOptions{
		Config:    cfg.Pipeline,
		Weights:   weights,
		Evaluator: eval,
		Logger:    log,
		Metrics:   lm,
		Sinks:     []pipeline.Sink{server.NewRecorder(st, audit, lm, log)},
	})
	if err != nil {
		return err
	}

	hc := health.NewChecker()
	hc.RegisterFunc("store", true, health.StoreCheck(st))
	if gw != nil {
		hc.RegisterFunc("gateway", false, health.GatewayCheck(gw))
	}
	hc.RegisterFunc("sessions", true, health.SessionsCheck(manager, cfg.FailedGrace()))

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv, err := server.New(server.Options{
		Config:      cfg.Server,
		MetricsPath: metricsPath,
		Manager:     manager,
		Health:      hc,
		Metrics:     lm,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	loader.OnChange(func(old, next *config.Config) {
		applyReload(old, next, manager, audit, lm, log)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if audit != nil {
		audit.LogStartup(ctx, Version, map[string]any{
			"listen_addr":     ln.Addr().String(),
			"weights_version": weights.Version,
			"gateway":         cfg.Gateway.Enabled,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		housekeep(gctx, loader, manager, srv, st, log)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				log.Error("config reload failed", "error", err)
			}
		}
	})

	hc.SetReady(true)
	log.Info("livenessd started", "version", Version, "addr", ln.Addr().String(), "weights", weights.Version)

	<-gctx.Done()
	reason := "signal"
	if ctx.Err() == nil {
		reason = "server error"
	}
	log.Info("shutting down", "reason", reason)
	hc.SetReady(false)

	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	if err := manager.Close(); err != nil {
		log.Warn("session shutdown", "error", err)
	}
	if audit != nil {
		audit.LogShutdown(context.Background(), reason)
	}

	err = g.Wait()
	log.Info("livenessd stopped")
	return err
}

// applyReload swaps the weight table into running sessions. Other settings
// take effect on restart.
func applyReload(old, next *config.Config, m *pipeline.Manager, audit *logging.AuditLogger, lm *metrics.LivenessMetrics, log *slog.Logger) {
	w, err := next.Weights()
	if err != nil {
		log.Error("reloaded weights rejected", "error", err)
		return
	}
	prev := m.Weights().Version
	if err := m.SetWeights(w); err != nil {
		log.Error("apply weights", "error", err)
		return
	}
	lm.RecordConfigReload()
	log.Info("config reloaded", "weights_from", prev, "weights_to", w.Version)
	if audit != nil {
		audit.LogWeightsReload(context.Background(), prev, w.Version)
	}

	if old.Server.ListenAddr != next.Server.ListenAddr || old.Storage.Path != next.Storage.Path {
		log.Warn("listen address and storage changes require a restart")
	}
}

// housekeep sweeps ended sessions, idle rate-limit buckets and expired
// rows until ctx is done. Intervals follow the live config.
func housekeep(ctx context.Context, loader *config.Loader, m *pipeline.Manager, srv *server.Server, st *store.Store, log *slog.Logger) {
	interval := loader.Config().SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cfg := loader.Config()
		m.Sweep(cfg.RetainEnded())
		srv.Housekeep()

		if retention := cfg.Retention(); retention > 0 {
			n, err := st.PruneBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Error("prune store", "error", err)
			} else if n > 0 {
				log.Info("pruned sessions", "count", n)
			}
		}
	}
}
