package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupchat/internal/config"
	"github.com/groupchat/internal/handler"
	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/push"
	"github.com/groupchat/internal/repository"
	"github.com/groupchat/internal/startup"
	"github.com/groupchat/internal/storage"
	memorystorage "github.com/groupchat/internal/storage/memory"
	"github.com/groupchat/internal/ws"
	"github.com/groupchat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory session store")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var store storage.Store
	if *dev {
		store = memorystorage.New()
		logger.Info("using in-memory session store")
	} else {
		store = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
	}
	defer store.Close()

	vapidKeys, err := push.EnsureVAPIDKeys(cfg.PushVAPIDKeysFile)
	if err != nil {
		logger.Errorf("vapid keys: %v", err)
		os.Exit(1)
	}
	notifier := push.NewNotifier(store, vapidKeys, "mailto:admin@localhost")

	groupRepo := repository.NewGroupRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	pinnedRepo := repository.NewPinnedRepository(pool)
	jrRepo := repository.NewJoinRequestRepository(pool)
	keyRepo := repository.NewKeyRepository(pool)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(ws.Stores{
		Groups:    groupRepo,
		Messages:  msgRepo,
		Reactions: reactRepo,
		Pins:      pinnedRepo,
	}, ws.Settings{
		MaxConnections: cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteTimeout:   time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
	}, notifier)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(store)
	groupH := handler.NewGroupHandler(groupRepo, jrRepo)
	msgH := handler.NewMessageHandler(msgRepo, pinnedRepo, groupRepo)
	keyH := handler.NewKeyHandler(keyRepo, groupRepo, hub)
	uploadH := handler.NewUploadHandler(cfg.UploadDir, cfg.MaxUploadSize)
	pushH := handler.NewPushHandler(notifier, vapidKeys.PublicKey)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Never compress the WebSocket upgrade; a wrapped ResponseWriter loses
	// http.Hijacker and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/v1/push/key", pushH.VAPIDPublicKey)
	r.Get("/api/v1/files/{filename}", uploadH.Serve)
	r.Post("/api/v1/auth/session", authH.CreateSession)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(store))
		r.Delete("/api/v1/auth/session", authH.Logout)

		r.Post("/api/v1/groups", groupH.CreateGroup)
		r.Get("/api/v1/groups/{id}", groupH.GetGroup)
		r.Put("/api/v1/groups/{id}", groupH.UpdateGroup)
		r.Post("/api/v1/groups/{id}/join", groupH.JoinGroup)
		r.Get("/api/v1/groups/{id}/requests", groupH.ListJoinRequests)
		r.Post("/api/v1/groups/{id}/requests/{requestId}/approve", groupH.ApproveJoinRequest)
		r.Post("/api/v1/groups/{id}/requests/{requestId}/reject", groupH.RejectJoinRequest)
		r.Put("/api/v1/groups/{id}/members/{memberId}/admin", groupH.SetAdmin)
		r.Put("/api/v1/groups/{id}/members/{memberId}/mute", groupH.SetMuted)
		r.Put("/api/v1/groups/{id}/members/{memberId}/ban", groupH.SetBanned)
		r.Delete("/api/v1/groups/{id}/members/{memberId}", groupH.RemoveMember)
		r.Post("/api/v1/groups/{id}/transfer", groupH.TransferOwnership)

		r.Get("/api/v1/groups/{id}/messages", msgH.History)
		r.Get("/api/v1/groups/{id}/pinned", msgH.Pinned)

		r.Post("/api/v1/keys", keyH.PublishPublicKey)
		r.Get("/api/v1/keys/{userId}", keyH.GetPublicKey)
		r.Post("/api/v1/groups/{id}/keys", keyH.StoreGroupKeys)
		r.Get("/api/v1/groups/{id}/keys/{userId}", keyH.GetWrappedKey)
		r.Post("/api/v1/groups/{id}/encryption", keyH.EnableEncryption)

		r.Post("/api/v1/upload", uploadH.Upload)
		r.Post("/api/v1/push/subscribe", pushH.Subscribe)
		r.Delete("/api/v1/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, f := range migrations.Files {
		data, err := migrations.FS.ReadFile(f)
		if err != nil {
			logger.Errorf("read migration %s: %v", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", f, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "groupchat"
		password = "groupchat_secret"
		database = "groupchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
