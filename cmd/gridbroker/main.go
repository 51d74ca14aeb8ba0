package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"grid-client/internal/broker/httpbroker"
	"grid-client/internal/broker/localbroker"
	"grid-client/internal/config"
	"grid-client/internal/repository/sqlite"
	"grid-client/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Brokerd.DataDir, 0o755); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	log := logrus.NewEntry(logger)
	projects, err := localbroker.New(filepath.Join(cfg.Brokerd.DataDir, "projects"), log)
	if err != nil {
		logger.Fatalf("open project store: %v", err)
	}

	db, err := sqlite.Open(filepath.Join(cfg.Brokerd.DataDir, "accounts.db"))
	if err != nil {
		logger.Fatalf("open account store: %v", err)
	}
	defer db.Close()

	accountRepo := sqlite.NewAccountRepository(db)
	if err := accountRepo.Init(ctx); err != nil {
		logger.Fatalf("init account repository: %v", err)
	}
	if cfg.Brokerd.RegisterSecret == "" {
		logger.Warn("brokerd.registersecret is empty, new clients cannot register")
	}

	server, err := httpbroker.NewServer(projects, service.NewAccountService(accountRepo, cfg.Brokerd.RegisterSecret), httpbroker.ServerConfig{
		JWTSecret: cfg.Brokerd.JWTSecret,
		TokenTTL:  time.Duration(cfg.Brokerd.TokenTTLMinutes) * time.Minute,
		Admins:    cfg.Brokerd.Admins,
		Logger:    log,
	})
	if err != nil {
		logger.Fatalf("setup broker server: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Brokerd.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("broker listening on %s", cfg.Brokerd.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown: %v\n", err)
	}
}
