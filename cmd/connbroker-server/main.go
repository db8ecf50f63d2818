/*
Copyright 2026 The ConnBroker authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rdmaforge/connbroker/internal/broker"
	"github.com/rdmaforge/connbroker/internal/config"
	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/metrics"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
)

// shutdownGrace bounds how long the process waits for in-flight
// workers to finish once a shutdown signal arrives.
const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	v := viper.New()
	flags := flag.NewFlagSet("connbroker-server", flag.ContinueOnError)
	if err := config.BindServerFlags(v, flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.LoadServerConfig(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer zlog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zlog)

	dev, err := device.Open(verbs.RealProvider{}, cfg.DeviceIndex)
	if err != nil {
		log.Error(err, "opening RDMA device")
		return 1
	}
	defer dev.Close()

	tlsCfg, stopCertWatch, err := buildTLSConfig(cfg, log)
	if err != nil {
		log.Error(err, "configuring TLS")
		return 1
	}
	defer stopCertWatch()

	ln, err := control.Listen(cfg.ListenAddr, tlsCfg)
	if err != nil {
		log.Error(err, "starting control listener")
		return 1
	}

	srv := broker.NewServer(cfg, dev, ln, log)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "metrics server exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			log.Error(err, "server exited")
			return 1
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "shutdown did not complete cleanly")
			return 1
		}
		<-runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	return 0
}

// buildTLSConfig loads an operator-supplied certificate with hot
// reload, or, in dev mode, falls back to a self-signed certificate
// generated once at startup (spec section 6). The returned stop
// function must be called during shutdown even when dev mode left it
// a no-op.
func buildTLSConfig(cfg config.ServerConfig, log logr.Logger) (*tls.Config, func(), error) {
	if _, err := os.Stat(cfg.CertFile); err == nil {
		watcher, err := control.NewCertWatcher(cfg.CertFile, cfg.KeyFile, log)
		if err != nil {
			return nil, func() {}, err
		}
		stop := make(chan struct{})
		go watcher.Run(stop)
		return &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: watcher.GetCertificate,
		}, func() { close(stop) }, nil
	}

	if !cfg.Dev {
		return nil, func() {}, fmt.Errorf("main: no certificate at %s and --dev not set", cfg.CertFile)
	}

	cert, err := control.GenerateDevCertificate("localhost")
	if err != nil {
		return nil, func() {}, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, func() {}, nil
}
