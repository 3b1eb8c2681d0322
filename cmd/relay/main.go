package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tool-relay/internal/config"
	"tool-relay/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to relay configuration file")
	port := flag.Int("port", 0, "override listen port")
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	cfg := config.DefaultRelay()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadRelay(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	var history *relay.History
	if cfg.HistoryDB != "" {
		var err error
		history, err = relay.NewHistory(cfg.HistoryDB)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		defer history.Close()
	}

	r := relay.New(cfg, history)
	server := relay.NewServer(cfg, r)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down relay...")
		if err := server.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	log.Printf("Starting tool relay on %s:%d", cfg.Host, cfg.Port)
	if cfg.HistoryDB != "" {
		log.Printf("Call history: %s", cfg.HistoryDB)
	}
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
