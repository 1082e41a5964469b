package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfreitag/thermolog/internal/device"
	"github.com/mfreitag/thermolog/internal/monitor"
	"github.com/mfreitag/thermolog/internal/server"
)

func main() {
	configPath := flag.String("config", "thermolog.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated device")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Override device port (e.g. /dev/ttyUSB0)")
	connect := flag.Bool("connect", false, "Connect to the device at startup")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] thermolog starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Device.Type = "demo"
		// A simulated second of 100ms keeps the demo feed lively.
		if cfg.Device.DemoTickMs >= 1000 {
			cfg.Device.DemoTickMs = 100
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *connect {
		cfg.Device.AutoConnect = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	srv := server.New(cfg)

	session := srv.Session()
	monitor.Register(func() float64 {
		return float64(session.Snapshot().DecodeErrors)
	})

	// Startup-only convenience: once a session faults, reconnecting is an
	// explicit operator action through the API.
	if cfg.Device.AutoConnect || cfg.Device.Type == "demo" {
		go connectWithRetry(ctx, session, cfg.Device.Port, 10)
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts the initial device connection with exponential
// backoff. Starts at 1s, doubles up to 60s, keeps trying at the cap after
// maxAttempts.
func connectWithRetry(ctx context.Context, s *device.SessionController, port string, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.Connect(port); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[main] connect attempt %d/%d failed: %v (retry in %v)",
					attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[main] connect attempt %d failed: %v (retry in %v)",
					attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[main] device connected (attempt %d)", attempt+1)
			return
		}
	}
}
