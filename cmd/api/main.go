package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-chat/config"
	"relay-chat/internal/cache"
	"relay-chat/internal/chatcache"
	"relay-chat/internal/connection"
	"relay-chat/internal/events"
	"relay-chat/internal/handler"
	"relay-chat/internal/metrics"
	"relay-chat/internal/middleware"
	"relay-chat/internal/pipeline"
	"relay-chat/internal/presence"
	"relay-chat/internal/proxy"
	"relay-chat/internal/redis"
	"relay-chat/internal/repository"
	"relay-chat/internal/server"
	"relay-chat/internal/services"
	"relay-chat/internal/storage"
	"relay-chat/internal/websocket"
	"relay-chat/pkg/database"
	"relay-chat/pkg/logger"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
)

const accessTokenTTL = 15 * time.Minute

func main() {
	cfg := config.LoadConfig()

	log := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, database.DSN(cfg), database.WithMaxConns(cfg.DBMaxConns))
	if err != nil {
		log.Errorf("Failed to connect to database: %s", err)
		os.Exit(1)
	}
	defer pool.Close()

	var rdb *goredis.Client
	client := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redis.Ping(ctx, client); err != nil {
		log.Warnw("redis unavailable, running single instance with in-memory cache", "error", err)
		_ = client.Close()
	} else {
		rdb = client
		defer func() { _ = rdb.Close() }()
	}

	m := metrics.New()
	hub := websocket.NewHub()

	var (
		store       cache.Store
		publisher   events.Publisher
		limiter     middleware.Limiter
		rateLimits  = redis.DefaultRateLimitConfig()
		bridge      *websocket.RedisBridge
		queueClient pipeline.Client
		queueServer pipeline.Server
	)
	rateLimits.Send.Limit = cfg.SendRateLimit
	rateLimits.Send.Window = cfg.SendRateWindow

	if rdb != nil {
		store = redis.NewCacheStore(rdb, cfg.CachePrefix, log)
		publisher = redis.NewPublisher(rdb)
		limiter = redis.NewRateLimiter(rdb, rateLimits)
		bridge = websocket.NewRedisBridge(redis.NewSubscriber(rdb), hub, log)
	} else {
		store = cache.NewMemory()
		publisher = websocket.NewLocalPublisher(hub, log)
	}
	broadcaster := events.NewPubSubBroadcaster(publisher, nil)

	if rdb != nil && !cfg.InlineQueue {
		opt := asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword, DB: cfg.RedisDB}
		queueClient = pipeline.NewAsynqClient(opt)
		queueServer = pipeline.NewAsynqServer(opt, cfg.QueueConcurrency, nil, log)
	} else {
		inline := pipeline.NewInline(log)
		queueClient, queueServer = inline, inline
	}
	defer func() { _ = queueClient.Close() }()

	var objects services.ObjectStore = storage.NewMemory()
	if cfg.S3Enabled() {
		s3, err := storage.NewClient(ctx, storage.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PublicBase: cfg.S3PublicBase,
		})
		if err != nil {
			log.Errorf("Failed to configure S3: %s", err)
			os.Exit(1)
		}
		objects = s3
	} else {
		log.Warnw("S3 not configured, attachments are kept in memory")
	}

	repo := repository.NewPostgresStore(pool)
	access := proxy.NewAccessControl(repo.Chats())
	chatCache := chatcache.New(store, repo.Messages(), log, m)
	media := services.NewMediaService(repo.Attachments(), objects, log)

	engine := services.NewChatEngine(repo, media, chatCache, broadcaster, log, m).
		WithEnqueuer(pipeline.NewDispatcher(queueClient))
	presenceTracker := presence.NewTracker(store, repo.Users(), broadcaster, log, m)
	chats := services.NewChatService(repo, access, chatCache, media, log).WithPresence(presenceTracker)
	auth := services.NewAuthService(cfg.JWTSecret, accessTokenTTL)

	pipeline.NewProcessor(repo, chatCache, broadcaster, log, m).Register(queueServer)

	connections := connection.NewTracker(store, repo.Messages(), log, m)

	go hub.Run(ctx)
	if bridge != nil {
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Errorw("redis bridge stopped", "error", err)
			}
		}()
	}
	go func() {
		if err := queueServer.Run(ctx); err != nil {
			log.Errorw("queue server stopped", "error", err)
		}
	}()
	presence.NewPruner(presenceTracker, cfg.PresencePruneInterval, log).Start(ctx)

	srv := server.New(cfg, log)
	srv.SetupRoutes(&server.Handlers{
		Chat:      handler.NewChatHandler(engine, chats, connections, access),
		Presence:  handler.NewPresenceHandler(presenceTracker),
		WebSocket: websocket.NewHandler(auth, hub, websocket.NewChannelAuthorizer(access), connections, log),
	}, server.Dependencies{
		Tokens:     auth,
		Limiter:    limiter,
		RateLimits: rateLimits,
		Presence:   presenceTracker,
		Throttle:   store,
		Metrics:    m,
		HealthCheck: func(ctx context.Context) error {
			var errs []error
			errs = append(errs, pool.Ping(ctx))
			if rdb != nil {
				errs = append(errs, redis.Ping(ctx, rdb))
			}
			return errors.Join(errs...)
		},
	})

	if err := srv.Start(); err != nil {
		log.Errorf("Server stopped with error: %s", err)
	}
	stop()
}
