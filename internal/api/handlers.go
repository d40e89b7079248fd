package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"voxchat/internal/auth"
	"voxchat/internal/models"
	"voxchat/internal/overlay"
	"voxchat/internal/pipeline"
	"voxchat/internal/telegram"
	"voxchat/internal/worker"
)

// Scheduler runs turns off the request path.
type Scheduler interface {
	Submit(job worker.Job) error
	CancelUser(userID int64) int
	QueueDepth() int
}

// TurnRunner executes one turn.
type TurnRunner interface {
	Handle(ctx context.Context, msg models.Inbound) pipeline.Result
}

// Settings is the live overlay.
type Settings interface {
	Current() *overlay.Snapshot
	Reload(ctx context.Context) error
}

// SessionCounter reports how many conversations are held in memory.
type SessionCounter interface {
	Len() int
}

// Options configure the HTTP surface.
type Options struct {
	WebhookSecret string
	AdminUsername string
	AdminPassword string
	// AllowSecretWrites lets the admin change credentials and the base URL.
	AllowSecretWrites bool
	// CatalogDir is the directory catalog references are relative to.
	CatalogDir string
	// Notify tells other replicas to reload settings. Optional.
	Notify func(ctx context.Context, reason string) error
	// WebhookInfo reports the registration Telegram holds. Optional.
	WebhookInfo func(ctx context.Context) (*telegram.WebhookInfo, error)
}

// Handler wires HTTP routes to the turn scheduler and the settings overlay.
type Handler struct {
	turns     TurnRunner
	scheduler Scheduler
	settings  Settings
	store     overlay.Store
	sessions  SessionCounter
	opts      Options
	logger    zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(turns TurnRunner, scheduler Scheduler, settings Settings, store overlay.Store, sessions SessionCounter, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		turns:     turns,
		scheduler: scheduler,
		settings:  settings,
		store:     store,
		sessions:  sessions,
		opts:      opts,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.health)
	router.GET("/healthz", h.health)

	hook := auth.WebhookMiddleware(func() string { return h.settings.Current().TelegramToken() }, h.opts.WebhookSecret)
	router.POST("/webhook/:token", hook, h.webhook)

	admin := router.Group("/admin")
	admin.Use(auth.AdminMiddleware(h.opts.AdminUsername, h.opts.AdminPassword))
	admin.GET("/status", h.status)
	admin.POST("/reload", h.reload)
	admin.PUT("/settings", h.updateSettings)
	admin.POST("/catalog", h.uploadCatalog)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bot": h.settings.Current().BotName()})
}

// Enqueue schedules msg as a turn for its user. A /clear drops the user's
// turns that are still waiting.
func (h *Handler) Enqueue(msg models.Inbound) error {
	name := "text"
	if msg.IsVoice() {
		name = "voice"
	} else if cmd, ok := pipeline.ParseCommand(strings.TrimSpace(msg.Text)); ok {
		name = "command:" + cmd
		if cmd == pipeline.CommandClear {
			if n := h.scheduler.CancelUser(msg.UserID); n > 0 {
				h.logger.Info().Int64("user_id", msg.UserID).Int("dropped", n).Msg("pending turns dropped by /clear")
			}
		}
	}
	return h.scheduler.Submit(worker.Job{
		UserID: msg.UserID,
		Name:   name,
		Run: func(ctx context.Context) {
			h.turns.Handle(ctx, msg)
		},
	})
}

func (h *Handler) webhook(c *gin.Context) {
	var upd telegram.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}
	msg, ok := telegram.ToInbound(upd)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
		return
	}
	if err := h.Enqueue(msg); err != nil {
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy):
			h.logger.Warn().Int64("user_id", msg.UserID).Msg("dispatcher busy, update rejected")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) status(c *gin.Context) {
	snap := h.settings.Current()
	sources := make(map[string]overlay.Source)
	for _, k := range snap.Keys() {
		sources[k] = snap.SourceOf(k)
	}
	resp := gin.H{
		"settings":    snap.Redacted(),
		"sources":     sources,
		"loaded_at":   snap.LoadedAt,
		"mode":        snap.Mode(),
		"sessions":    h.sessions.Len(),
		"queue_depth": h.scheduler.QueueDepth(),
	}
	if h.opts.WebhookInfo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), webhookInfoTimeout)
		info, err := h.opts.WebhookInfo(ctx)
		cancel()
		// Bot API URLs embed the token, in transport errors too.
		hide := func(v string) string {
			if token := snap.TelegramToken(); token != "" {
				return strings.ReplaceAll(v, token, "<token>")
			}
			return v
		}
		if err != nil {
			h.logger.Warn().Str("error", hide(err.Error())).Msg("webhook info unavailable")
			resp["webhook_error"] = hide(err.Error())
		} else {
			hook := *info
			hook.URL = hide(hook.URL)
			resp["webhook"] = hook
		}
	}
	c.JSON(http.StatusOK, resp)
}

const webhookInfoTimeout = 5 * time.Second

func (h *Handler) reload(c *gin.Context) {
	if err := h.applyReload(c.Request.Context(), "admin reload"); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded_at": h.settings.Current().LoadedAt})
}

func (h *Handler) applyReload(ctx context.Context, reason string) error {
	if err := h.settings.Reload(ctx); err != nil {
		h.logger.Error().Err(err).Msg("settings reload failed")
		return fmt.Errorf("reload settings: %w", err)
	}
	if h.opts.Notify != nil {
		if err := h.opts.Notify(ctx, reason); err != nil {
			h.logger.Warn().Err(err).Msg("settings invalidation not published")
		}
	}
	return nil
}

var (
	editableKeys = map[string]bool{
		overlay.KeyBotName:       true,
		overlay.KeyAssistantName: true,
		overlay.KeyPersona:       true,
		overlay.KeyCatalogFile:   true,
		overlay.KeyMode:          true,
	}
	secretKeys = map[string]bool{
		overlay.KeyTelegramToken: true,
		overlay.KeyGeminiAPIKey:  true,
		overlay.KeyPublicBaseURL: true,
	}
)

func (h *Handler) updateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	values := make(map[string]string, len(req))
	for k, v := range req {
		v = strings.TrimSpace(v)
		switch {
		case editableKeys[k]:
		case secretKeys[k]:
			if !h.opts.AllowSecretWrites {
				c.JSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("%s cannot be changed here", k)})
				return
			}
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown setting %q", k)})
			return
		}
		if k == overlay.KeyMode && v != "" && v != overlay.ModeWebhook && v != overlay.ModePolling {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MODE must be webhook or polling"})
			return
		}
		values[k] = v
	}
	if err := h.store.Save(c.Request.Context(), values); err != nil {
		h.logger.Error().Err(err).Msg("save settings failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save settings failed"})
		return
	}
	if err := h.applyReload(c.Request.Context(), "settings updated"); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Current().Redacted()})
}

const (
	maxCatalogBytes = 10 << 20 // 10 MB
	uploadsDir      = "product_data/uploads"
)

var catalogExtensions = map[string]bool{".md": true, ".txt": true}

func (h *Handler) uploadCatalog(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxCatalogBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxCatalogBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	filename := filepath.Base(file.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !catalogExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .md or .txt catalogs are supported"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	detected, err := mimetype.DetectReader(f)
	_ = f.Close()
	if err != nil || !strings.HasPrefix(detected.String(), "text/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	ref := path.Join(uploadsDir, time.Now().UTC().Format("20060102-150405")+"-"+filename)
	dest := filepath.Join(h.opts.CatalogDir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, dest); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	if err := h.store.Save(c.Request.Context(), map[string]string{overlay.KeyCatalogFile: ref}); err != nil {
		h.logger.Error().Err(err).Msg("record catalog failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record catalog failed"})
		return
	}
	if err := h.applyReload(c.Request.Context(), "catalog uploaded"); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info().Str("catalog", ref).Msg("catalog replaced")
	c.JSON(http.StatusCreated, gin.H{
		"catalog_file": ref,
		"size":         file.Size,
		"mime":         detected.String(),
	})
}
