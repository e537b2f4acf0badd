package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/endpoint/media"
	"github.com/adwski/webrtc-rendezvous/endpoint/netmon"
	"github.com/adwski/webrtc-rendezvous/endpoint/peer"
	"github.com/adwski/webrtc-rendezvous/endpoint/signaling"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const defaultProbeInterval = 3 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)

	var (
		serverURL = fs.StringP("server-url", "s", "ws://localhost:8888/signal", "rendezvous server url")
		roomID    = fs.StringP("room", "r", model.DefaultRoomID, "room to watch")
		stunURL   = fs.String("stun", "stun:stun.l.google.com:19302", "stun server url")
		logLevel  = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	probeAddr, err := netmon.ProbeAddrFromURL(*serverURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server url")
	}

	client := signaling.NewClient(signaling.Config{
		URL:    *serverURL,
		Logger: &logger,
	})
	mon := netmon.New(&logger, false)
	sup := peer.NewSupervisor(peer.SupervisorConfig{
		Role:        model.RoleReceiver,
		RoomID:      *roomID,
		Client:      client,
		Net:         mon,
		Renderer:    media.NewStatsRenderer(&logger),
		STUNServers: []string{*stunURL},
		Logger:      &logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(2)
	go client.Run(ctx, wg)
	go mon.RunProbe(ctx, wg, probeAddr, defaultProbeInterval)
	go func() {
		errc <- sup.Run(ctx)
	}()

	select {
	case err = <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("receiver failed, shutting down")
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
