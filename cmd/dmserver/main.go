package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/horizon/dm-app/internal/auth"
	"github.com/horizon/dm-app/internal/config"
	"github.com/horizon/dm-app/internal/directory"
	"github.com/horizon/dm-app/internal/dm"
	"github.com/horizon/dm-app/internal/httpapi"
	"github.com/horizon/dm-app/internal/hub"
	"github.com/horizon/dm-app/internal/message"
	"github.com/horizon/dm-app/internal/messaging"
	"github.com/horizon/dm-app/internal/presence"
	"github.com/horizon/dm-app/internal/ratelimit"
	"github.com/horizon/dm-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Message store and directory ---
	var (
		store message.Store
		dir   directory.Directory
	)
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := message.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		store = pg
		dir = directory.NewPostgresDirectory(pg.DB())
	case "badger":
		bs, err := message.OpenBadger(cfg.BadgerPath)
		if err != nil {
			log.Fatalf("failed to open badger: %v", err)
		}
		store = bs
	default:
		store = message.NewMemoryStore()
	}
	if dir == nil {
		users, err := loadUsers(cfg.UsersFile)
		if err != nil {
			log.Fatalf("failed to load users: %v", err)
		}
		dir = directory.NewMemoryDirectory(users...)
	}

	index := directory.NewIndex(dir, cfg.IndexRefresh)
	if err := index.Refresh(ctx); err != nil {
		log.Fatalf("failed to load recipient index: %v", err)
	}
	go index.Run(ctx)

	h := hub.New()
	deps := dm.Deps{
		Store:     store,
		Directory: dir,
		Index:     index,
		Hub:       h,
		Presence:  dm.HubPresence{Hub: h},
	}

	// --- Redis (presence, rate limits) ---
	var (
		presenceStore *presence.Store
		connLimiter   dm.Limiter
	)
	if cfg.RedisAddr != "" {
		presenceStore, err = presence.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter := ratelimit.NewLimiter(presenceStore.Client())
		deps.Limiter = limiter.For(cfg.SendRule())
		deps.Presence = presenceStore
		connLimiter = limiter.For(ratelimit.RuleConnect)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATSConfig())
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		deps.Publisher = natsClient
		if err := natsClient.SubscribeDirectoryUpdates(func(userID string) {
			log.Printf("[index] directory update user=%s, refreshing", userID)
			index.Invalidate()
		}); err != nil {
			log.Fatalf("failed to subscribe to directory updates: %v", err)
		}
	}

	log.Printf("DM server starting")
	log.Printf("  http_addr:       %s", cfg.HTTPAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  store:           %s", cfg.StoreBackend)
	log.Printf("  index_users:     %d", index.Size())
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))

	// --- Live channels ---
	wsServer := ws.NewServer(cfg.WSConfig(), ws.Dispatch)
	if presenceStore != nil {
		h.Attach(wsServer, presenceStore)
	} else {
		h.Attach(wsServer, nil)
	}
	if err := wsServer.Start(); err != nil {
		log.Fatalf("failed to start live channels: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Service:     dm.NewService(cfg.ServiceConfig(), deps),
		Auth:        auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL),
		WS:          wsServer,
		Index:       index,
		ConnLimiter: connLimiter,
		CORSOrigins: cfg.CORSOrigins,
		Production:  cfg.Production(),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := wsServer.Shutdown(); err != nil {
		log.Printf("ws shutdown error: %v", err)
	}
	cancel()

	if natsClient != nil {
		natsClient.Close()
	}
	if presenceStore != nil {
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		log.Printf("message store close error: %v", err)
	}
	log.Println("shutdown complete")
}

// loadUsers reads a JSON array of users. An empty path yields no users.
func loadUsers(path string) ([]directory.User, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var users []directory.User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return users, nil
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
