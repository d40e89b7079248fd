package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"voxchat/internal/api"
	"voxchat/internal/catalog"
	"voxchat/internal/chat"
	"voxchat/internal/config"
	"voxchat/internal/dispatch"
	"voxchat/internal/gemini"
	"voxchat/internal/ingest"
	"voxchat/internal/logging"
	"voxchat/internal/overlay"
	"voxchat/internal/pipeline"
	"voxchat/internal/redis"
	"voxchat/internal/session"
	"voxchat/internal/storage"
	"voxchat/internal/stt"
	"voxchat/internal/telegram"
	"voxchat/internal/transcode"
	"voxchat/internal/tts"
	"voxchat/internal/worker"
)

const shutdownTimeout = 15 * time.Second

type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	settings *overlay.Overlay
	rdb      *redis.Client
	db       *sql.DB
	sessions *session.Store
	tg       *telegram.Client
	speech   *gemini.Source
	jobs     *worker.Dispatcher
	handler  *api.Handler

	// jobsCtx outlives the request context so queued turns finish on shutdown.
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogPretty)
	if cfg.Path() == "" {
		logger.Info().Msg("no config file found, using defaults and environment")
	} else {
		logger.Info().Str("path", cfg.Path()).Msg("config loaded")
	}

	a := &app{cfg: cfg, logger: logger}
	if cfg.Redis.Enabled {
		a.rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
	}
	store, err := a.openStore()
	if err != nil {
		a.close()
		return nil, err
	}
	if key := os.Getenv(overlay.SealKeyEnv); key != "" {
		if store, err = overlay.NewSealedStore(store, key); err != nil {
			a.close()
			return nil, err
		}
	}
	a.settings = overlay.New(ctx, store, logger)
	snap := a.settings.Current()
	if snap.TelegramToken() == "" {
		a.close()
		return nil, errors.New("TELEGRAM_TOKEN is not set")
	}

	docs, err := catalog.NewLoader(ctx, cfg.Overlay.CatalogBaseDir, overlay.DefaultCatalogFile, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.sessions = session.NewStore()
	provider := cfg.BasicConfig.Provider
	factory, err := chat.NewModelFactory(provider, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	engine := chat.NewEngine(a.sessions, a.settings, docs, factory, chat.Options{
		Timeout:         cfg.BasicConfig.StageTimeout,
		KeyFromSettings: cfg.Providers[provider].APIKey == "",
	}, logger)

	timeout := cfg.BasicConfig.StageTimeout
	// Long polls hold a request open for PollTimeout; the stage timeout covers the rest.
	httpClient := &http.Client{Timeout: cfg.Telegram.PollTimeout + timeout}
	a.tg = telegram.NewClient(httpClient, cfg.Telegram.APIBaseURL, snap.TelegramToken())
	a.speech = gemini.NewSource(cfg.Providers["gemini"].APIKey, func() string {
		return a.settings.Current().GeminiAPIKey()
	})
	if a.speech.Key() == "" {
		logger.Warn().Msg("no Gemini API key, voice messages will get the transcription notice")
	}

	turns := pipeline.New(pipeline.Deps{
		Chat:        engine,
		Sessions:    a.sessions,
		Settings:    a.settings,
		Fetcher:     ingest.NewFetcher(a.tg, cfg.Telegram.MaxFileBytes, timeout),
		Transcriber: stt.NewTranscriber(stt.NewGenAIBackend(a.speech), cfg.Speech.STTModel, timeout, logger),
		Synthesizer: tts.NewSynthesizer(tts.NewGenAIBackend(a.speech), cfg.Speech.TTSModel, cfg.Speech.Voices, timeout),
		Transcoder:  transcode.New(cfg.Speech.FFmpegPath, cfg.Speech.TranscodeRoot, timeout, logger),
		Delivery:    dispatch.New(a.tg, timeout),
		Typing:      a.tg,
	}, pipeline.Options{
		VoiceReplies: pipeline.VoiceMode(cfg.Speech.VoiceReplies),
	}, logger)

	a.jobsCtx, a.jobsCancel = context.WithCancel(context.Background())
	a.jobs = worker.NewDispatcher(a.jobsCtx, worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.BasicConfig.WorkerIdleTimeout,
	}, logger)

	opts := api.Options{
		WebhookSecret:     cfg.Telegram.WebhookSecret,
		AdminUsername:     cfg.Admin.Username,
		AdminPassword:     cfg.Admin.Password,
		AllowSecretWrites: cfg.Admin.AllowSecrets,
		CatalogDir:        cfg.Overlay.CatalogBaseDir,
		WebhookInfo:       a.tg.GetWebhookInfo,
	}
	if a.rdb != nil {
		opts.Notify = func(ctx context.Context, reason string) error {
			return overlay.Publish(ctx, a.rdb, reason)
		}
	}
	a.handler = api.NewHandler(turns, a.jobs, a.settings, store, a.sessions, opts, logger)
	return a, nil
}

// openStore selects where admin-edited settings persist.
func (a *app) openStore() (overlay.Store, error) {
	switch name := a.cfg.Overlay.Store; name {
	case "redis":
		return overlay.NewRedisStore(a.rdb), nil
	case "sqlite", "sqlite3", "mysql":
		db, err := storage.Open(name, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("open settings database: %w", err)
		}
		a.db = db
		if err := storage.Migrate(db, name); err != nil {
			return nil, fmt.Errorf("migrate settings database: %w", err)
		}
		return overlay.NewSQLStore(db, name), nil
	default:
		return overlay.NewFileStore(a.cfg.Overlay.FilePath), nil
	}
}

// serve registers the webhook and answers updates over HTTP.
func (a *app) serve(ctx context.Context) error {
	return a.run(ctx, func(ctx context.Context) error {
		base := a.settings.Current().PublicBaseURL()
		if base == "" {
			a.logger.Warn().Msg("PUBLIC_BASE_URL is not set, webhook not registered")
			return nil
		}
		hook := base + "/webhook/" + a.tg.Token()
		if err := a.tg.SetWebhook(ctx, hook, a.cfg.Telegram.WebhookSecret, true); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		a.logger.Info().Str("url", base+"/webhook/<token>").Msg("webhook registered")
		return nil
	})
}

// poll removes any webhook and long-polls. The HTTP server still runs for
// health checks and the admin API.
func (a *app) poll(ctx context.Context) error {
	return a.run(ctx, func(ctx context.Context) error {
		if err := a.tg.DeleteWebhook(ctx, false); err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		a.logger.Info().Msg("long polling started")
		err := api.NewPoller(a.tg, a.handler.Enqueue, a.cfg.Telegram.PollTimeout, a.logger).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func (a *app) run(ctx context.Context, mode func(ctx context.Context) error) error {
	defer a.close()

	if err := a.verifyToken(ctx); err != nil {
		return err
	}

	a.settings.Run(ctx, a.cfg.Overlay.RefreshInterval)
	a.settings.Watch(ctx, a.rdb)
	a.sessions.RunJanitor(ctx, 0, a.cfg.BasicConfig.SessionTTL, func(n int) {
		a.logger.Info().Int("sessions", n).Msg("idle sessions evicted")
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))
	a.handler.RegisterRoutes(router)
	srv := &http.Server{Addr: a.cfg.BasicConfig.ServerAddress, Handler: router}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server stopped: %w", err)
		}
	}()
	go func() {
		if err := mode(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	a.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.jobs.Close(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("turns still running at shutdown were cancelled")
	}
	return runErr
}

// verifyToken asks Telegram who the token belongs to.
func (a *app) verifyToken(ctx context.Context) error {
	timeout := a.cfg.BasicConfig.StageTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	me, err := a.tg.GetMe(ctx)
	if err != nil {
		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("TELEGRAM_TOKEN rejected: %w", err)
		}
		a.logger.Warn().Str("error", strings.ReplaceAll(err.Error(), a.tg.Token(), "<token>")).Msg("could not verify bot token")
		return nil
	}
	a.logger.Info().Str("username", me.Username).Int64("bot_id", me.ID).Msg("bot token verified")
	return nil
}

func (a *app) close() {
	if a.jobsCancel != nil {
		a.jobsCancel()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
