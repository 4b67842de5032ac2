// cmd/dhtstored/main.go
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dstore-labs/dhtstore/internal/api"
	"github.com/dstore-labs/dhtstore/internal/dht"
	"github.com/dstore-labs/dhtstore/internal/enginemem"
	"github.com/dstore-labs/dhtstore/internal/recstore"
)

var (
	port         = flag.Int("port", 8080, "HTTP port to listen on")
	dataDir      = flag.String("data", "./data", "Directory for DHT session state and the record cache")
	configPath   = flag.String("config", "", "Path to YAML engine settings (optional)")
	fetchTimeout = flag.Duration("fetch-timeout", dht.DefaultFetchTimeout, "Per-call bound for blocking lookups")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	settings, err := dht.LoadSettings(*configPath)
	if err != nil {
		log.Fatalf("Failed to load engine settings: %v", err)
	}

	store, err := recstore.NewBoltStore(filepath.Join(*dataDir, "records.db"))
	if err != nil {
		log.Fatalf("Failed to open record cache: %v", err)
	}
	defer store.Close()

	// The in-memory engine serves as the overlay binding for local
	// deployments; real ones supply their own factory and readiness
	// probes.
	session := dht.NewSession(dht.Config{
		DataDir:   *dataDir,
		Settings:  settings,
		NewEngine: enginemem.Factory,
		Gate:      dht.ReadinessGate{},
		Log:       log,
	})
	if err := session.Start(); err != nil {
		log.Fatalf("Failed to start DHT session: %v", err)
	}

	router := mux.NewRouter()
	handler := &api.Handler{
		Session: session,
		Store:   store,
		Timeout: *fetchTimeout,
		Log:     log.WithField("module", "api"),
	}
	handler.Register(router)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(*port),
		Handler:      router,
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	go func() {
		log.Printf("DHT RPC server starting on :%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	server.Close()
	session.Stop()
}
