package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func buildFetcher(cfg *Config, stations *StationMap) (Fetcher, error) {
	switch cfg.Source {
	case "gtfsrt":
		return NewGTFSRTClient(cfg.GTFSRTURL, stations), nil
	default:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("WMATA_API_KEY environment variable not set")
		}
		return NewWMATAClient(cfg.APIBaseURL, cfg.APIKey, stations), nil
	}
}

func main() {
	// .env is optional; real deployments set the key via the unit file.
	_ = godotenv.Load()

	configPath := flag.String("config", "stations.yaml", "path to the station map / config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	stations, err := NewStationMap(cfg)
	if err != nil {
		log.Fatalf("Invalid station map: %v", err)
	}

	runID := uuid.NewString()
	log.Printf("Starting run %s: %d stations on %d LEDs", runID, len(stations.Stations()), stations.LEDCount)

	journal, err := OpenJournal(cfg.JournalPath, runID)
	if err != nil {
		log.Printf("Journal disabled: %v", err)
		journal = nil
	}

	strip, err := openStrip(cfg, stations.LEDCount)
	if err != nil {
		log.Fatalf("Failed to open LED strip: %v", err)
	}
	if strip.Simulated() {
		log.Println("LED Mode: Simulated")
	} else {
		log.Printf("LED Mode: Real (%s on %s)", cfg.Driver, cfg.SPIPort)
	}

	fetcher, err := buildFetcher(cfg, stations)
	if err != nil {
		log.Fatalf("Failed to build %s fetcher: %v", cfg.Source, err)
	}

	// The loop signals here when memory pressure demands a process restart;
	// systemd observes the non-zero exit and brings us back up.
	restartCh := make(chan struct{}, 1)
	requestRestart := func() {
		select {
		case restartCh <- struct{}{}:
		default:
		}
	}

	renderer := NewRenderer(stations, cfg)
	health := NewHealthMonitor(cfg)
	loop := NewUpdateLoop(fetcher, renderer, strip, health, journal, cfg.PollInterval(), runID, requestRestart)
	loop.Start()

	if cfg.ButtonDevice != "" {
		go monitorButton(cfg.ButtonDevice, loop)
	}

	go startHTTPServer(cfg.ListenAddr, &server{
		loop:     loop,
		stations: stations,
		journal:  journal,
		strip:    strip,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	case <-restartCh:
		log.Println("Restart requested, exiting for supervisor")
		exitCode = 1
	}

	loop.Stop()
	if err := strip.Close(); err != nil {
		log.Printf("Strip close: %v", err)
	}
	journal.Record("shutdown", fmt.Sprintf("exit %d", exitCode))
	if err := journal.Close(); err != nil {
		log.Printf("Journal close: %v", err)
	}
	os.Exit(exitCode)
}
