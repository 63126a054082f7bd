package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/archive"
	"github.com/tsumura510/stonesheet/internal/arena"
	appcfg "github.com/tsumura510/stonesheet/internal/config"
	"github.com/tsumura510/stonesheet/internal/invite"
	"github.com/tsumura510/stonesheet/internal/obslog"
	"github.com/tsumura510/stonesheet/internal/protocol"
	"github.com/tsumura510/stonesheet/internal/rating"
	"github.com/tsumura510/stonesheet/internal/transport"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	registry := transport.NewRegistry(cfg.PingInterval(), cfg.MaxMissedPings)

	hub := arena.NewHub(arena.Config{
		DefaultTotalEnds: cfg.DefaultTotalEnds,
		GracePeriod:      cfg.GracePeriod(),
		HardPeriod:       cfg.HardPeriod(),
		RoomTTL:          cfg.RoomTTL(),
		SweepInterval:    cfg.SweepInterval(),
	})

	// Account store (optional: without it every player is a guest).
	var accounts account.Service
	if cfg.DatabaseURL != "" {
		repo, err := account.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("account repo init error: %v", err)
		}
		defer repo.Close()
		accounts = repo
		hub.AttachAccounts(repo)
	}

	lookup := func(userID string) arena.Peer {
		if c := registry.ByUser(userID); c != nil {
			return c
		}
		return nil
	}
	bind := func(p arena.Peer, id *account.Identity) {
		if c, ok := p.(*transport.Conn); ok {
			registry.Bind(c, id)
		}
	}
	hub.SetDirectory(bind, lookup)

	friends := func(ctx context.Context, userID string) ([]string, error) {
		if accounts == nil {
			return nil, nil
		}
		return accounts.Friends(ctx, userID)
	}
	broker := invite.NewBroker(cfg.InviteTTL(), friends, func(userID string) invite.Peer {
		if c := registry.ByUser(userID); c != nil {
			return c
		}
		return nil
	})
	hub.AttachBroker(broker)

	if cfg.RatingBaseURL != "" {
		hub.AttachRatings(rating.NewClient(cfg.RatingBaseURL, rating.WithTimeout(8*time.Second)))
	}

	if cfg.RedisURL != "" {
		store, err := archive.NewStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("match archive init error: %v", err)
		}
		defer store.Close()
		hub.AttachArchive(store)
	}

	ws := &transport.Server{
		Registry:      registry,
		OnMessage:     func(c *transport.Conn, msg protocol.ClientMessage) { hub.HandleMessage(c, msg) },
		OnClose:       func(c *transport.Conn) { hub.HandleClose(c) },
		QueueCapacity: cfg.SendQueueCapacity,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Fatal("server_listen_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	hub.Close()
	registry.Close()
	obslog.L().Info("server_stopped")
}
