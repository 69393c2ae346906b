// governanced is the reference evaluation gateway. It turns a livenessd
// trust score payload into a risk decision, records every decision in a
// tamper-evident log and serves the decision history.
//
//	governanced [-config path] [-env file] [-addr host:port]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"livenessd/internal/config"
	"livenessd/internal/governance"
	"livenessd/internal/logging"
	"livenessd/internal/metrics"
	"livenessd/internal/security"
	"livenessd/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: platform config dir)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	addr := flag.String("addr", "", "listen address (overrides governance.listen_addr)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "governanced: load %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	}
	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "governanced: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Governance.ListenAddr = addr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lcfg, err := cfg.LoggerConfig("governanced")
	if err != nil {
		return err
	}
	if lcfg.FilePath != "" {
		lcfg.FilePath = filepath.Join(filepath.Dir(lcfg.FilePath), "governanced.log")
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Governance.StoragePath)
	if err != nil {
		return err
	}
	defer st.Close()

	master, err := security.LoadOrCreateMasterKey(cfg.Storage.MasterKeyPath)
	if err != nil {
		return err
	}
	key, err := security.DecisionLogKey(master)
	security.Wipe(master)
	if err != nil {
		return err
	}
	decisions, err := st.DecisionLog(ctx, key)
	if decisions == nil {
		return fmt.Errorf("open decision log: %w", err)
	}
	if err != nil || !decisions.IntegrityOK() {
		log.Error("decision log failed verification; new decisions will be refused", "error", err)
	}

	registry := metrics.NewRegistry("governanced")
	opts := []governance.Option{
		governance.WithLedger(decisions),
		governance.WithMetrics(registry),
		governance.WithLogger(log.With("component", "governance")),
	}

	// The audit trail goes next to livenessd's, in its own file.
	if ac := cfg.AuditConfig("governanced"); ac != nil {
		ac.FilePath = filepath.Join(filepath.Dir(ac.FilePath), "governance-audit.log")
		audit, err := logging.NewAuditLogger(ac)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
		opts = append(opts, governance.WithAuditor(audit))
	}

	svc, err := governance.NewService(cfg.Governance.Rules, opts...)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.Governance.ListenAddr,
		Handler: governance.NewHandler(svc, governance.HandlerConfig{
			CORSOrigins: cfg.Governance.CORSOrigins,
			Decisions:   decisions,
			Metrics:     registry.HTTPHandler(),
		}),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("governanced started", "version", Version, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
