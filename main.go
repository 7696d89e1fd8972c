package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"factorysim/api"
	"factorysim/broadcast"
	"factorysim/clock"
	"factorysim/config"
	"factorysim/database"
	"factorysim/engine"
	"factorysim/jobs"
)

func main() {
	fmt.Println("=== FactorySim - Realtime Factory Simulation Core ===")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Configuration loaded")

	// Connect the simulation target database. The engine can come up
	// without one and run dry; a pool can be attached on restart.
	var pool *database.Postgres
	pool, err = database.Connect(cfg.DatabaseURL())
	if err != nil {
		log.Printf("Database unavailable, running dry: %v", err)
		pool = nil
	} else {
		defer pool.Close()
		fmt.Println("✓ Database connected")
	}

	// Local run journal
	journal, err := database.OpenJournal(cfg.JournalPath)
	if err != nil {
		log.Printf("Run journal unavailable: %v", err)
		journal = nil
	} else {
		defer journal.Close()
		fmt.Println("✓ Run journal opened")
	}

	// Event fan-out plus the websocket hub
	bcast := broadcast.NewBroadcaster()
	hub := broadcast.NewHub(bcast)
	go hub.Run()

	// Optional Kafka event sink
	if cfg.KafkaBrokers != "" {
		sink, err := broadcast.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Printf("Kafka sink unavailable: %v", err)
		} else {
			defer sink.Close()
			go sink.Run(bcast)
			fmt.Printf("✓ Kafka sink connected to %s\n", cfg.KafkaBrokers)
		}
	}

	// Simulation engine
	eng := engine.Shared(engine.Options{
		Config:      cfg,
		Pool:        pool,
		Clock:       clock.New(),
		Broadcaster: bcast,
		Journal:     journal,
	})
	fmt.Println("✓ Simulation engine ready")

	// Worker pool for asynchronous backfill jobs
	workerPool := jobs.NewWorkerPool(2)
	defer workerPool.Stop()

	// API handler and router
	handler := api.NewHandler(eng, pool, journal, cfg, hub, workerPool)
	router := api.SetupRouter(handler)
	router.Use(api.CORSMiddleware())
	router.Use(api.LoggingMiddleware())

	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		fmt.Printf("✓ API server listening on %s\n", addr)
		fmt.Println("\nAPI Endpoints:")
		fmt.Println("  GET  /health")
		fmt.Println("  GET  /api/status")
		fmt.Println("  POST /api/simulation/start")
		fmt.Println("  POST /api/simulation/stop")
		fmt.Println("  POST /api/simulation/pause")
		fmt.Println("  POST /api/simulation/resume")
		fmt.Println("  POST /api/simulation/reset")
		fmt.Println("  GET  /api/config")
		fmt.Println("  PUT  /api/config")
		fmt.Println("  POST /api/gapfill")
		fmt.Println("  GET  /ws")
		fmt.Println("\nPress Ctrl+C to shutdown")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down server...")

	if eng.State() != engine.StateStopped {
		eng.Stop()
	}
	hub.Stop()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
	}

	fmt.Println("Server exited")
}
