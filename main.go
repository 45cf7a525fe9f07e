package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/towerterm/tower/docs"
	"github.com/towerterm/tower/src/api"
	"github.com/towerterm/tower/src/substrate/manager"
	"github.com/towerterm/tower/src/substrate/registry"
	"github.com/towerterm/tower/src/substrate/sendbuffer"
	"github.com/towerterm/tower/src/substrate/upgrade"
)

// @title           Tower Terminal Substrate API
// @version         1.0
// @description     Session CRUD and streaming surface for Tower's terminal substrate.

// @host      localhost:8080
// @BasePath  /
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: .env file not found")
	}

	port := flag.Int("port", 8080, "port to listen on")
	dataDir := flag.String("data-dir", "/var/lib/tower", "directory for the session registry, sockets, and pidfile")
	disableRequestLogging := flag.Bool("disable-request-logging", false, "skip the per-request logrus middleware")
	enableProcessingTime := flag.Bool("enable-processing-time", true, "add the Server-Timing response header")
	flag.Parse()

	docs.SwaggerInfo.Host = fmt.Sprintf("%s:%d", os.Getenv("HOST"), *port)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	socketDir := filepath.Join(*dataDir, "sockets")
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		log.Fatalf("failed to create socket dir: %v", err)
	}

	// Zero-downtime upgrade support must bind the listener before anything
	// else touches the port, and Ready() must be called only once startup
	// has fully finished (tableflip's contract).
	upg, err := upgrade.New(filepath.Join(*dataDir, "tower.pid"))
	if err != nil {
		log.Fatalf("failed to init upgrader: %v", err)
	}
	ln, err := upg.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("failed to bind listener: %v", err)
	}

	reg, err := registry.Open(filepath.Join(*dataDir, "registry.db"), filepath.Join(*dataDir, "registry.lock"))
	if err != nil {
		log.Fatalf("failed to open registry: %v", err)
	}
	defer reg.Close()

	cfg := manager.DefaultConfig(socketDir)
	mgr := manager.New(cfg, reg)

	sendBuf := sendbuffer.New(sendbuffer.DefaultConfig())
	sendBuf.Start()
	defer sendBuf.Stop()

	// Reconciliation runs before the router ever starts accepting requests,
	// so no client can observe a session list that predates restart-survival
	// reconnects. Sweep first to clear sockets nothing can ever reconnect to.
	if err := mgr.SweepStaleSockets(); err != nil {
		logrus.WithError(err).Warn("initial stale-socket sweep reported errors")
	}
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.Reconcile(reconcileCtx); err != nil {
		logrus.WithError(err).Warn("startup reconciliation reported errors")
	}
	cancelReconcile()

	mgr.StartPeriodicSweep()

	router := api.SetupRouter(mgr, sendBuf, upg, *disableRequestLogging, *enableProcessingTime)

	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server exited unexpectedly")
		}
	}()

	if err := upg.Ready(); err != nil {
		log.Fatalf("failed to signal upgrader ready: %v", err)
	}
	logrus.WithField("addr", ln.Addr().String()).Info("tower listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-upg.Exit():
		logrus.Info("upgrade requested shutdown of this generation")
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("received shutdown signal")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	mgr.StopPeriodicSweep()
	sendBuf.ForceFlushAll()
	mgr.Shutdown()
}
