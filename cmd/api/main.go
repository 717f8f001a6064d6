package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/audit"
	"github.com/incogx/Facer-app/internal/auth"
	"github.com/incogx/Facer-app/internal/cloudinary"
	"github.com/incogx/Facer-app/internal/config"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/faceclient"
	"github.com/incogx/Facer-app/internal/httpapi"
	"github.com/incogx/Facer-app/internal/logging"
	"github.com/incogx/Facer-app/internal/qr"
	"github.com/incogx/Facer-app/internal/queue"
	"github.com/incogx/Facer-app/internal/sessions"
	"github.com/incogx/Facer-app/internal/store"
	"github.com/incogx/Facer-app/internal/students"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}, "facer-api")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

// backends groups the storage chosen by STORE_BACKEND.
type backends struct {
	db       *store.DB
	sessions sessions.Repository
	marks    attendance.Repository
	students students.Repository
	tokens   students.TokenStore
	recorder audit.Recorder
}

func openBackends(ctx context.Context, cfg config.App, log *zap.Logger) (*backends, error) {
	if cfg.StoreBackend == "memory" {
		sess := sessions.NewMemoryRepository()
		seedDemoSession(ctx, sess, log)
		return &backends{
			sessions: sess,
			marks:    attendance.NewMemoryRepository(sess),
			students: students.NewMemoryRepository(),
			tokens:   students.NewMemoryTokenStore(),
			recorder: audit.NewMemoryRecorder(),
		}, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("database migrated")
	}
	return &backends{
		db:       db,
		sessions: sessions.NewPostgresRepository(db.Client),
		marks:    attendance.NewPostgresRepository(db.Client),
		students: students.NewPostgresRepository(db.Client),
		tokens:   students.NewPostgresTokenStore(db.Client),
		recorder: audit.NewPostgresRecorder(db.Client),
	}, nil
}

// seedDemoSession opens a two hour session so a memory-backed server can be
// exercised without an admin surface.
func seedDemoSession(ctx context.Context, repo *sessions.MemoryRepository, log *zap.Logger) {
	now := time.Now().UTC()
	end := now.Add(2 * time.Hour)
	s := sessions.Session{
		ID:       uuid.NewString(),
		ClassID:  "demo-class",
		StartsAt: now,
		EndsAt:   &end,
		QRToken:  uuid.NewString(),
	}
	if err := repo.Create(ctx, s); err != nil {
		log.Warn("seed demo session failed", zap.Error(err))
		return
	}
	log.Info("demo session open",
		zap.String("session_id", s.ID),
		zap.String("class_id", s.ClassID),
		zap.String("qr_token", s.QRToken),
		zap.Time("ends_at", end))
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if b.db != nil {
			_ = b.db.Close()
		}
	}()

	var redis *store.Redis
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
		// nothing outside this process can drain an in-memory queue
		consumer := audit.NewConsumer(q, b.recorder, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit consumer stopped", zap.Error(err))
			}
		}()
	} else {
		redis = store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = redis.Close() }()
		q = queue.NewRedisQueue(redis.Client, cfg.AuditQueueKey, log)
	}
	publisher := audit.NewPublisher(q, log)

	var verifier face.Verifier
	var enroller students.FaceEnroller
	switch cfg.FaceVerifier {
	case "remote":
		fc := faceclient.New(cfg.FaceServiceURL, 30*time.Second)
		if err := fc.Health(ctx); err != nil {
			log.Warn("face service not available", zap.String("url", cfg.FaceServiceURL), zap.Error(err))
		} else {
			log.Info("face service connected", zap.String("url", cfg.FaceServiceURL))
		}
		verifier = face.NewRemoteVerifier(fc)
		enroller = fc
	default:
		log.Warn("using mock face verifier", zap.String("face_verifier", cfg.FaceVerifier))
		verifier = face.NewMockVerifier(nil)
	}
	faces := face.NewService(verifier, cfg.FaceThreshold, cfg.MaxImageBase64)

	signer := auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)

	var studentOpts []students.Option
	if cfg.CloudinaryConfigured() {
		studentOpts = append(studentOpts, students.WithUploader(
			cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)))
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		log.Info("cloudinary not configured, enrollment photos are not stored")
	}
	if enroller != nil {
		studentOpts = append(studentOpts, students.WithFaceEnroller(enroller))
	}

	deps := httpapi.Deps{
		Students:  students.NewService(b.students, b.tokens, signer, faces, log, studentOpts...),
		Validator: qr.NewValidator(b.sessions),
		Faces:     faces,
		Attendance: attendance.NewService(b.marks, log,
			attendance.WithPublisher(publisher),
			attendance.WithDailyTarget(cfg.DailyClassTarget)),
		Hook: publisher,
		Log:  log,
	}
	if b.db != nil {
		deps.DB = b.db
	}
	if redis != nil {
		deps.Redis = redis
	}

	router := httpapi.NewRouter(httpapi.New(deps), httpapi.RouterConfig{
		Signer:          signer,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Production:      cfg.Production(),
		Log:             log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// outstanding requests get 10 seconds
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}

	log.Info("server exited")
	return nil
}
