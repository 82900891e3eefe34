package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k-code-yt/orderflow/internal/railstub"
	"github.com/k-code-yt/orderflow/pkg/config"
	"github.com/sirupsen/logrus"
)

func init() {
	config.LoadDotEnv()
}

func main() {
	cfg, err := config.LoadRailStub()
	if err != nil {
		logrus.Fatal(err)
	}
	config.SetupLogger(cfg.LogLevel)

	stub := railstub.NewServer(railstub.Config{
		DeclineRate:  cfg.DeclineRate,
		FailureRate:  cfg.FailureRate,
		PhantomRate:  cfg.PhantomRate,
		Latency:      cfg.Latency,
		PhantomDelay: cfg.PhantomDelay,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           stub.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"ADDR":         cfg.HTTP.Addr,
		"DECLINE_RATE": cfg.DeclineRate,
		"FAILURE_RATE": cfg.FailureRate,
		"PHANTOM_RATE": cfg.PhantomRate,
	}).Info("RAIL_STUB:LISTENING")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Fatal(err)
	}
	logrus.Info("RAIL_STUB:EXIT")
}
