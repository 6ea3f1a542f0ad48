package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/syncparty/backend/auth"
	"github.com/adwski/syncparty/backend/config"
	httpServer "github.com/adwski/syncparty/backend/server/http"
	websocketServer "github.com/adwski/syncparty/backend/server/websocket"
	"github.com/adwski/syncparty/backend/service"
	store "github.com/adwski/syncparty/backend/storage/memory"
	sw "github.com/adwski/syncparty/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	authority, err := auth.NewAuthority(auth.AuthorityConfig{
		Secret:    []byte(cfg.Auth.Secret),
		Audience:  cfg.Auth.Audience,
		Issuer:    cfg.Auth.Issuer,
		InviteTTL: cfg.Auth.InviteTTL(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init token authority")
	}
	if !authority.Enabled() {
		logger.Warn().Msg("JWT_SECRET not set, authentication disabled")
	}

	roomStore := store.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore: roomStore,
		Switch:    sw.NewSwitch(&logger, roomStore),
		Authorizer: auth.NewPolicy(
			authority,
			auth.NewRoles(cfg.Auth.HostRoles),
			auth.NewRoles(cfg.Auth.InviteRoles),
		),
		Logger:           &logger,
		RemoveEmptyRooms: cfg.RemoveEmptyRooms,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		InviteService:  svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
