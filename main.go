package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/auth"
	"github.com/acarlier/rebound/internal/database"
	"github.com/acarlier/rebound/internal/handlers"
	"github.com/acarlier/rebound/internal/match"
	"github.com/acarlier/rebound/internal/middleware"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// init auth keys
	if priv, pub := os.Getenv("AUTH_PRIVATE_KEY_FILE"), os.Getenv("AUTH_PUBLIC_KEY_FILE"); priv != "" && pub != "" {
		if err := auth.InitFromPath(priv, pub); err != nil {
			logger.Fatalf("failed to load auth keys: %v", err)
		}
	} else {
		auth.Init()
	}

	// Durable snapshots are optional: without a configured database, matches
	// live in memory only.
	var snapshots match.SnapshotStore
	if os.Getenv("PG_HOST") != "" {
		if err := database.ConnectDB(); err != nil {
			logger.Fatalf("database connection failed: %v", err)
		}
		defer database.DB.Close()
		if err := database.Migrate(context.Background()); err != nil {
			logger.Fatalf("database migration failed: %v", err)
		}
		snapshots = database.NewSnapshotStore(database.DB)
	}

	srv := handlers.NewServer(logger, snapshots)

	// Broker unavailability degrades broadcasting; connection handling
	// continues regardless.
	if err := srv.Broadcaster.Connect(); err != nil {
		logger.Warnf("broker unavailable, running degraded: %v", err)
	}
	defer srv.Broadcaster.Close()

	if err := srv.Restore(context.Background()); err != nil {
		logger.Warnf("match recovery failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HealthHandler)
	mux.Handle("/ws", middleware.LogMiddleware(logger)(srv.WSHandler()))

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		logger.Fatalf("failed to listen: %v", err)
	}
	logger.Infof("listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		logger.Errorf("failed to serve: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
