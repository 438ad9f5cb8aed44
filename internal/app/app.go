// Package app connects the backing stores and builds the services shared by
// the HTTP server and trashctl.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/config"
	"github.com/AnshRaj112/hams-diary/internal/database"
	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/handlers"
	"github.com/AnshRaj112/hams-diary/internal/middleware"
	"github.com/AnshRaj112/hams-diary/internal/services"
	"github.com/AnshRaj112/hams-diary/pkg/utils"
)

type App struct {
	Config *config.Config
	Log    *zap.Logger

	Mongo    *mongo.Client
	db       *mongo.Database
	Postgres *sql.DB
	Redis    *redis.Client
	events   *services.AMQPPublisher

	Store   docstore.Store
	Blobs   blobstore.Store
	Owners  *services.PostgresOwnerDirectory
	Cache   *services.CacheService
	Diaries *services.DiaryService
	Views   *services.ViewService
	Scanner *services.TrashScanner
	Purge   *services.PurgeService

	OwnerSessions *services.SessionStore
	AdminSessions *services.SessionStore
	RateLimit     *middleware.RedisRateLimit
	Locker        *services.RedisLocker
}

// Build connects MongoDB, PostgreSQL and Redis, and RabbitMQ when AMQPURI is
// set. On error everything already opened is closed again.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *App, err error) {
	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.Mongo, a.db, err = database.Connect(cfg.MongoURI, cfg.MongoDatabase, log)
	if err != nil {
		return a, fmt.Errorf("connect mongo: %w", err)
	}
	if err = database.EnsureDiaryIndexes(ctx, a.db); err != nil {
		return a, fmt.Errorf("ensure diary indexes: %w", err)
	}

	a.Postgres, err = database.ConnectPostgres(cfg.PostgresURI, log)
	if err != nil {
		return a, fmt.Errorf("connect postgres: %w", err)
	}
	if err = database.InitPostgresTables(ctx, a.Postgres); err != nil {
		return a, fmt.Errorf("init postgres tables: %w", err)
	}

	a.Redis, err = database.ConnectRedis(cfg.RedisURI, log)
	if err != nil {
		return a, fmt.Errorf("connect redis: %w", err)
	}

	var publisher services.EventPublisher = services.NopPublisher{}
	if cfg.AMQPURI != "" {
		a.events, err = services.NewAMQPPublisher(cfg.AMQPURI)
		if err != nil {
			return a, err
		}
		publisher = a.events
		log.Info("purge events enabled", zap.String("exchange", services.PurgeEventsExchange))
	}

	var cipher *utils.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = utils.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return a, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
	} else {
		log.Warn("ENCRYPTION_KEY not set, owner emails are stored unencrypted")
	}

	a.Blobs, err = NewBlobStore(ctx, cfg, log)
	if err != nil {
		return a, err
	}

	a.Store = docstore.NewMongoStore(a.Mongo, a.db, docstore.RetryPolicy{
		MaxRetries: uint64(cfg.TxMaxRetries),
		Base:       10 * time.Millisecond,
	})
	a.wire(cipher, publisher)
	return a, nil
}

func (a *App) wire(cipher *utils.Cipher, publisher services.EventPublisher) {
	a.Owners = services.NewPostgresOwnerDirectory(a.Postgres, cipher)
	a.Cache = services.NewCacheService(a.Redis, a.Config.CalendarCacheTTL, a.Log)
	a.Diaries = services.NewDiaryService(a.Store, a.Log, services.WithChangeHook(services.InvalidateOnChange(a.Cache)))
	a.Views = services.NewViewService(a.Store, a.Cache, a.Log)
	a.Scanner = services.NewTrashScanner(a.Store, a.Owners, a.Log)
	a.Purge = services.NewPurgeService(a.Store, a.Scanner, a.Diaries, a.Blobs, publisher, a.Log)

	a.OwnerSessions = services.NewOwnerSessions(a.Redis)
	a.AdminSessions = services.NewAdminSessions(a.Redis)
	a.RateLimit = middleware.NewRedisRateLimit(a.Redis, a.Log)
	a.Locker = services.NewRedisLocker(a.Redis)
}

// PurgeOptions are the configured defaults for scheduled and CLI purges.
func (a *App) PurgeOptions() services.PurgeOptions {
	return services.PurgeOptions{
		Concurrency: a.Config.PurgeConcurrency,
		Retention:   a.Config.TrashRetention,
		Limit:       a.Config.TrashOwnerLimit,
	}
}

func (a *App) Scheduler() *services.PurgeScheduler {
	return services.NewPurgeScheduler(a.Scanner, a.Purge, a.Locker, a.Config.PurgeInterval, a.Config.TrashScanLimit, a.PurgeOptions(), a.Log)
}

func (a *App) Handler() *handlers.Handler {
	return handlers.New(handlers.Deps{
		Diaries:          a.Diaries,
		Views:            a.Views,
		Scanner:          a.Scanner,
		Purge:            a.Purge,
		Owners:           a.Owners,
		Blobs:            a.Blobs,
		Log:              a.Log,
		Retention:        a.Config.TrashRetention,
		ScanLimit:        a.Config.TrashScanLimit,
		OwnerLimit:       a.Config.TrashOwnerLimit,
		PurgeConcurrency: a.Config.PurgeConcurrency,
	})
}

// Close releases every connection Build opened. It is safe on a partly
// built App.
func (a *App) Close() {
	if a.events != nil {
		a.events.Close()
	}
	if err := database.DisconnectRedis(a.Redis); err != nil {
		a.Log.Warn("redis disconnect", zap.Error(err))
	}
	if err := database.DisconnectPostgres(a.Postgres); err != nil {
		a.Log.Warn("postgres disconnect", zap.Error(err))
	}
	if err := database.Disconnect(a.Mongo); err != nil {
		a.Log.Warn("mongo disconnect", zap.Error(err))
	}
}

// NewBlobStore picks the backend named by BLOB_BACKEND.
func NewBlobStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "cloudinary", "":
		if cfg.CloudinaryName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
			return nil, fmt.Errorf("cloudinary credentials are not set")
		}
		return blobstore.NewCloudinary(cfg.CloudinaryName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)
	case "minio":
		return blobstore.NewMinIO(blobstore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			PublicURL: cfg.MinIOPublicURL,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Secure:    cfg.MinIOSecure,
		}, log)
	case "s3":
		return blobstore.NewS3(ctx, blobstore.S3Config{
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			URLTTL:       cfg.S3URLTTL,
		})
	case "memory":
		log.Warn("using in-memory blob store, uploads are lost on restart")
		return blobstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}
}
