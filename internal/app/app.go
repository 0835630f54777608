package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"

	"github.com/yoockh/careertalk/config"
	"github.com/yoockh/careertalk/internal/api/handlers"
	"github.com/yoockh/careertalk/internal/api/middleware"
	"github.com/yoockh/careertalk/internal/api/routes"
	"github.com/yoockh/careertalk/internal/broadcast"
	"github.com/yoockh/careertalk/internal/cache"
	"github.com/yoockh/careertalk/internal/logger"
	"github.com/yoockh/careertalk/internal/providers/realtime"
	mongorepo "github.com/yoockh/careertalk/internal/repositories/mongo"
	pgrepo "github.com/yoockh/careertalk/internal/repositories/postgres"
	"github.com/yoockh/careertalk/internal/services"
	"github.com/yoockh/careertalk/internal/storage"
	"github.com/yoockh/careertalk/internal/workers"
)

const cachePrefix = "careertalk:"

// App owns every registry and layer for the life of the process.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	Store       *storage.Store
	Pool        *workers.Pool
	Docs        *cache.WriteBehind
	Sessions    services.SessionService
	Careers     services.CareerService
	Broadcaster broadcast.Broadcaster

	Router *gin.Engine
	server *http.Server

	redis *redis.Client
	mongo *mongo.Client
	pg    *gorm.DB
}

// New connects optional backends and builds the application. Redis, Mongo and Postgres
// failures are logged and the feature that needs them falls back or is disabled.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil || cfg.Port == "" {
		return nil, errors.New("app: config with a port is required")
	}
	log := logger.New(cfg.LogLevel)
	a := &App{Config: cfg, Log: log}

	a.Store = storage.New(ctx, storage.Options{
		Bucket:          cfg.Storage.Bucket,
		ProjectID:       cfg.Storage.ProjectID,
		CredentialsFile: cfg.Storage.CredentialsFile,
		LocalDir:        cfg.Storage.LocalDir,
		InitTimeout:     cfg.Batching.StoreTimeout,
		ReadRetry:       storage.DefaultReadRetry,
	}, log)

	a.Pool = workers.NewPool(cfg.Batching.MaxWorkers, cfg.Batching.StoreTimeout, log)
	a.Docs = cache.NewWriteBehind(a.Store, a.Pool, log, cache.Options{
		BatchSize:     cfg.Batching.BatchSize,
		FlushInterval: cfg.Batching.FlushInterval,
		TTL:           cfg.Batching.CacheTTL,
	})

	var listings cache.Cache
	if cfg.RedisAddr != "" {
		rdb, err := config.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, broadcasting in-process")
		} else {
			a.redis = rdb
			a.Broadcaster = broadcast.NewRedisBroadcaster(rdb)
			listings = cache.NewRedisCache(rdb, cachePrefix)
		}
	}
	if a.Broadcaster == nil {
		a.Broadcaster = broadcast.NewMemoryBroadcaster()
	}

	var sessionCatalog mongorepo.SessionRepository
	if cfg.MongoURI != "" {
		client, err := config.NewMongo(ctx, cfg.MongoURI)
		if err != nil {
			log.WithError(err).Warn("mongo unavailable, session catalog disabled")
		} else {
			a.mongo = client
			db := client.Database(cfg.MongoDB)
			if err := config.EnsureMongoIndexes(ctx, db); err != nil {
				log.WithError(err).Warn("mongo index setup failed")
			}
			sessionCatalog = mongorepo.NewSessionRepo(db)
		}
	}

	var summaryCatalog pgrepo.SummaryRepository
	if cfg.PostgresURI != "" {
		db, err := config.NewPostgres(cfg.PostgresURI)
		if err == nil {
			err = pgrepo.Migrate(db)
		}
		if err != nil {
			log.WithError(err).Warn("postgres unavailable, summary catalog disabled")
		} else {
			a.pg = db
			summaryCatalog = pgrepo.NewSummaryRepo(db)
		}
	}

	a.Sessions = services.NewSessionService(a.Docs, a.Pool, sessionCatalog, log, services.SessionLimits{
		MaxMessageChars: cfg.Limits.MaxMessageChars,
		TailCap:         cfg.Limits.TailCap,
		TailKeep:        cfg.Limits.TailKeep,
	})
	a.Careers = services.NewCareerService(a.Docs, a.Store, a.Pool, summaryCatalog, listings, log, services.CareerOptions{
		MaxResponseChars: cfg.Limits.MaxResponseChars,
		SummaryTimeout:   cfg.Limits.SummaryTimeout,
	})

	provider := realtime.NewAzureProvider(realtime.AzureConfig{
		APIKey:      cfg.Realtime.APIKey,
		SessionsURL: cfg.Realtime.SessionsURL,
		WebRTCURL:   cfg.Realtime.WebRTCURL,
		Deployment:  cfg.Realtime.Deployment,
		Voice:       cfg.Realtime.Voice,
	}, nil)
	if cfg.Realtime.APIKey == "" {
		log.Warn("AZURE_OPENAI_API_KEY is not set, realtime voice endpoints will fail")
	}

	a.Router = a.router(provider)
	return a, nil
}

func (a *App) router(provider realtime.Provider) *gin.Engine {
	cfg := a.Config
	if a.Log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ws := handlers.NewWSHandler(a.Sessions, a.Careers, a.Broadcaster, a.Log, cfg.AllowedOrigins, cfg.Limits.DisconnectGrace)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(a.Log))
	routes.RegisterRoutes(r, routes.Deps{
		Session:        handlers.NewSessionHandler(a.Sessions, cfg.SecretKey, cfg.TokenTTL, ws.Forget),
		Career:         handlers.NewCareerHandler(a.Careers),
		Realtime:       handlers.NewRealtimeHandler(provider, a.Log),
		Health:         handlers.NewHealthHandler(a.Sessions, a.Careers, a.Store.Backend()),
		WS:             ws,
		Secret:         cfg.SecretKey,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	a.Docs.Start(ctx)

	a.server = &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.WithField("port", a.Config.Port).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Batching.StoreTimeout+10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting requests, ends every open session, then flushes every queue
// and waits for outstanding writes before closing clients.
func (a *App) Shutdown(ctx context.Context) error {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.Log.WithError(err).Warn("http shutdown")
		}
	}

	ended := a.Sessions.EndAll(ctx)
	err := a.Docs.Close(ctx)
	a.Pool.Stop()

	st := a.Docs.Stats()
	a.Log.WithFields(logrus.Fields{
		"sessions_ended": ended,
		"writes":         st.Writes,
		"write_failures": st.WriteFailures,
		"coalesced":      st.Coalesced,
	}).Info("drained")

	_ = a.Broadcaster.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.mongo != nil {
		_ = a.mongo.Disconnect(context.Background())
	}
	if a.pg != nil {
		if sqlDB, e := a.pg.DB(); e == nil {
			_ = sqlDB.Close()
		}
	}
	_ = a.Store.Close()
	return err
}
