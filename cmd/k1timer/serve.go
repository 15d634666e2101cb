package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/racelog"
	"github.com/shaunagostinho/k1timer/internal/relay"
	"github.com/shaunagostinho/k1timer/internal/server"
	"github.com/shaunagostinho/k1timer/internal/track"
	"github.com/shaunagostinho/k1timer/web"
)

var log = logrus.WithField("component", "main")

func newServeCmd() *cobra.Command {
	var (
		configPath string
		demo       bool
		listenAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the timer and serve the results board",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig(configPath)
			if demo {
				cfg.Timer.Type = "demo"
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if logLevel == "" {
				if err := setLogLevel(cfg.Logging.Level); err != nil {
					log.Warnf("bad log level %q: %v", cfg.Logging.Level, err)
				}
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/k1timer/config.yaml", "path to config file")
	cmd.Flags().BoolVar(&demo, "demo", false, "run against a simulated timer")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen address (e.g. :8080)")
	return cmd
}

func serve(cfg *server.Config) error {
	log.Info("k1timer starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timerCfg, resultsCfg := cfg.Snapshot()
	trackCfg := track.Config{Timer: timerCfg.K1()}
	if timerCfg.Type == "demo" {
		sim := k1.NewSimulator()
		trackCfg.Timer.PortName = "demo"
		trackCfg.Timer.Opener = sim.Open
		go sim.RunRaces(ctx, timerCfg.DemoRaceInterval())
		log.Infof("demo timer, a race every %v", timerCfg.DemoRaceInterval())
	}

	monitor := track.NewMonitor(trackCfg)
	defer monitor.Close()

	results := racelog.New(resultsCfg)
	defer results.Close()
	monitor.AddSink(results)

	if cfg.NATS.URL != "" {
		relayConn, err := relay.DialNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Warnf("nats relay disabled: %v", err)
		} else {
			defer relayConn.Close()
			monitor.AddSink(relayConn)
		}
	}

	// The board is served right away, the timer may still be connecting
	go connectWithRetry(ctx, monitor, 10)

	srv := server.New(cfg, monitor, results, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server exited: %v", err)
		return err
	}
	log.Info("shut down")
	return nil
}

// connectWithRetry initializes the monitor with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs the attempt count up to
// maxAttempts and then keeps retrying at the max interval.
func connectWithRetry(ctx context.Context, m *track.Monitor, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		port, err := m.Initialize()
		if err == nil {
			log.Infof("timer connected on %s (attempt %d)", port, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warnf("connect attempt %d/%d failed: %v (retry in %v)", attempt, maxAttempts, err, delay)
		} else {
			log.Warnf("connect attempt %d failed: %v (retry in %v)", attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, maxDelay)
	}
}
