package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MaksimIschenko/client/internal/bridge"
	"github.com/MaksimIschenko/client/internal/device"
	"github.com/MaksimIschenko/client/internal/logger"
	"github.com/MaksimIschenko/client/internal/metrics"
	"github.com/MaksimIschenko/client/internal/server"
	"github.com/MaksimIschenko/client/internal/session"
	"github.com/MaksimIschenko/client/web"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the bridge and blocks until SIGINT/SIGTERM. It returns the
// process exit code so deferred cleanup always runs.
func run(args []string) int {
	fs := flag.NewFlagSet("rovbridge", flag.ContinueOnError)
	configPath := fs.String("config", server.DefaultConfigPath, "Path to config file")
	demo := fs.Bool("demo", false, "Use the simulated board instead of a serial port")
	listenAddr := fs.String("listen", "", "Enable the monitor on this address (e.g. :8080)")
	listPorts := fs.Bool("list-ports", false, "Print detected serial ports and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *listPorts {
		ports, err := device.ListPorts()
		if err != nil {
			log.Printf("[main] list ports: %v", err)
			return 1
		}
		device.PrintPorts(os.Stdout, ports)
		return 0
	}

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Serial.Driver = device.DriverDemo
	}
	if *listenAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.ListenAddr = *listenAddr
	}

	if cfg.Logging.File != "" {
		lf := logger.New(logger.Config{Path: cfg.Logging.File, MaxBytes: cfg.Logging.MaxBytes})
		log.SetOutput(io.MultiWriter(os.Stderr, lf))
		defer func() {
			log.SetOutput(os.Stderr)
			lf.Close()
		}()
	}

	log.Println("[main] rovbridge starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	state := bridge.NewState(cfg.Bridge.MaxPending)
	m := metrics.New()

	link, err := device.NewLink(cfg.DeviceConfig(), state, state)
	if err != nil {
		log.Printf("[main] serial link: %v", err)
		return 1
	}
	link.SetMetrics(m)

	client := session.NewClient(cfg.SessionConfig(), state)
	client.SetMetrics(m)

	var wg sync.WaitGroup

	if cfg.Monitor.Enabled {
		srv := server.New(cfg, func() server.Snapshot {
			return server.Snapshot{
				Serial:  link.Status(),
				Network: client.Status(),
				Pending: state.Pending(),
				Dropped: state.Dropped(),
			}
		}, m, web.FS)
		link.SetObserver(srv.Publish)
		client.SetObserver(srv.Publish)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Printf("[main] monitor exited: %v", err)
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil {
			log.Printf("[main] serial link exited: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := client.Run(ctx); err != nil {
			log.Printf("[main] network session exited: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[main] shutting down")
	wg.Wait()
	log.Println("[main] stopped")
	return 0
}
