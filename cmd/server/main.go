package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/launchsim/launchsim-backend/internal/config"
	"github.com/launchsim/launchsim-backend/internal/httpapi"
	"github.com/launchsim/launchsim-backend/internal/hub"
	"github.com/launchsim/launchsim-backend/internal/identity"
	"github.com/launchsim/launchsim-backend/internal/keyauth"
	"github.com/launchsim/launchsim-backend/internal/lobby"
	"github.com/launchsim/launchsim-backend/internal/procedure"
	"github.com/launchsim/launchsim-backend/internal/roles"
	"github.com/launchsim/launchsim-backend/internal/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var users *identity.Service
	if cfg.DatabaseURL != "" {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("store", zap.Error(err))
		}
		st = db
		idStore, err := identity.NewGormStore(db.Gorm())
		if err != nil {
			log.Fatal("identity store", zap.Error(err))
		}
		users = identity.NewService(idStore, cfg.TokenTTL)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
		users = identity.NewService(identity.NewMemoryStore(), cfg.TokenTTL)
	}

	h := hub.NewHub(ctx, st, cfg.SessionPollInterval, log)

	srv := &httpapi.Server{
		Store:     st,
		Directory: lobby.NewDirectory(st, log),
		Roles:     roles.NewResolver(st, log),
		Procedure: procedure.NewService(st, procedure.Config{
			DiagnosticsDelay:       cfg.DiagnosticsDelay,
			DiagnosticsSuccessRate: cfg.DiagnosticsSuccessRate,
		}, log),
		Keys:     keyauth.NewProtocol(st, log),
		Identity: users,
		Hub:      h,
		Intervals: httpapi.Intervals{
			SessionPoll:    cfg.SessionPollInterval,
			LobbyPoll:      cfg.LobbyPollInterval,
			PresenceWindow: cfg.PresenceWindow,
		},
		Log: log,
	}

	server := &http.Server{Addr: cfg.Addr, Handler: httpapi.SetupRoutes(srv)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		h.Inbox() <- hub.ShutdownHub{}
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}
