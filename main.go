package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fleetmirror/adb"
	"fleetmirror/api"
	"fleetmirror/config"
	"fleetmirror/service"

	"github.com/gin-gonic/gin"
	"github.com/tinyzimmer/go-gst/gst"
)

// setupLogging creates a log file in the log directory with timestamp
// Returns the log file handle (caller should defer Close())
func setupLogging() (*os.File, error) {
	// Create log directory if not exists
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create log file with timestamp: log/2025-12-08_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Write to both console and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("📝 Logging to: %s", logPath)
	return logFile, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	// Setup file logging
	logFile, err := setupLogging()
	if err != nil {
		log.Printf("Warning: Failed to setup file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting Fleet Mirror Controller...")

	gst.Init(nil)

	// Event ledger is optional: sessions run without it in dev setups
	var ledger *service.Ledger
	if db, err := config.InitDatabase(); err != nil {
		log.Printf("Warning: Failed to initialize database: %v", err)
	} else {
		ledger = service.NewLedger(db)
		defer db.Close()
	}

	metrics := service.NewMetrics()

	// Initialize WebSocket hub
	wsHub := api.NewWebSocketHub()
	go wsHub.Run()

	adbClient := adb.NewClient()
	artifact := getEnv("RELAY_JAR", "./assets/fleetmirror-relay.jar")

	factory := func(serial string, profile service.QualityProfile, opts service.SessionOptions) *service.DeviceSession {
		return service.NewDeviceSession(adbClient, serial, profile, service.SessionConfig{
			Artifact:      artifact,
			Control:       opts.Control,
			PreferForward: opts.PreferForward,
			Hub:           wsHub,
			Ledger:        ledger,
			Metrics:       metrics,
		})
	}

	pool := service.NewSessionPool(factory, metrics)
	pool.SetCapacity(getEnvInt("POOL_CAPACITY", 100))
	pool.SetIdleTimeout(time.Duration(getEnvInt("POOL_IDLE_TIMEOUT_SECONDS", 300)) * time.Second)
	defer pool.Shutdown()

	scheduler := service.NewBatchScheduler(pool)

	// Setup HTTP server
	router := gin.Default()
	api.SetupRoutes(router, pool, scheduler, ledger, metrics, wsHub)

	addr := ":" + getEnv("PORT", "8080")
	log.Printf("Server starting on http://localhost%s", addr)
	log.Printf("WebSocket server on ws://localhost%s/ws", addr)

	if err := router.Run(addr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
