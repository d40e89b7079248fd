package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. VOXCHAT_BASIC_CONFIG_SERVER_ADDRESS.
const EnvPrefix = "VOXCHAT"

// Config represents bootstrap configuration for the service. Settings the admin
// may change at runtime live in the overlay store instead.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Telegram    TelegramConfig            `mapstructure:"telegram"`
	Speech      SpeechConfig              `mapstructure:"speech"`
	Overlay     OverlayConfig             `mapstructure:"overlay"`
	Admin       AdminConfig               `mapstructure:"admin"`

	// path is the config file actually read, empty when running on defaults.
	path string
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string        `mapstructure:"server_address"`
	Provider          string        `mapstructure:"provider"`
	MinWorkers        int           `mapstructure:"min_workers"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	WorkerIdleTimeout time.Duration `mapstructure:"worker_idle_timeout"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	LogLevel          string        `mapstructure:"log_level"`
	LogPretty         bool          `mapstructure:"log_pretty"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type TelegramConfig struct {
	APIBaseURL    string        `mapstructure:"api_base_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	MaxFileBytes  int64         `mapstructure:"max_file_bytes"`
}

type SpeechConfig struct {
	STTModel      string            `mapstructure:"stt_model"`
	TTSModel      string            `mapstructure:"tts_model"`
	Voices        map[string]string `mapstructure:"voices"`
	VoiceReplies  string            `mapstructure:"voice_replies"`
	FFmpegPath    string            `mapstructure:"ffmpeg_path"`
	TranscodeRoot string            `mapstructure:"transcode_root"`
}

// OverlayConfig selects where admin-editable settings are persisted.
type OverlayConfig struct {
	// Store is one of file, sqlite3, mysql, redis.
	Store           string        `mapstructure:"store"`
	FilePath        string        `mapstructure:"file_path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CatalogBaseDir  string        `mapstructure:"catalog_base_dir"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// AllowSecrets lets the admin API overwrite tokens and the public URL.
	AllowSecrets bool `mapstructure:"allow_secrets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":10000")
	v.SetDefault("basic_config.provider", "gemini")
	v.SetDefault("basic_config.min_workers", 2)
	v.SetDefault("basic_config.max_workers", 16)
	v.SetDefault("basic_config.queue_size", 256)
	v.SetDefault("basic_config.worker_idle_timeout", 5*time.Minute)
	v.SetDefault("basic_config.stage_timeout", 60*time.Second)
	v.SetDefault("basic_config.session_ttl", 0)
	v.SetDefault("basic_config.log_level", "info")
	v.SetDefault("basic_config.log_pretty", false)

	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("databases.sqlite3.dsn", "data/voxchat.db")

	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.max_file_bytes", 20<<20)

	v.SetDefault("speech.stt_model", "gemini-2.5-flash")
	v.SetDefault("speech.tts_model", "gemini-2.5-flash-preview-tts")
	v.SetDefault("speech.voice_replies", "voice")
	v.SetDefault("speech.ffmpeg_path", "ffmpeg")

	v.SetDefault("overlay.store", "file")
	v.SetDefault("overlay.file_path", "data/admin_store.json")
	v.SetDefault("overlay.refresh_interval", 30*time.Second)
	v.SetDefault("overlay.catalog_base_dir", ".")

	v.SetDefault("admin.username", "admin")
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error: defaults and VOXCHAT_* environment values
// still apply. ADMIN_USERNAME, ADMIN_PASSWORD and ADMIN_ALLOW_SET_SECRETS are
// honoured for the admin surface.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("admin.username", EnvPrefix+"_ADMIN_USERNAME", "ADMIN_USERNAME")
	_ = v.BindEnv("admin.password", EnvPrefix+"_ADMIN_PASSWORD", "ADMIN_PASSWORD")
	_ = v.BindEnv("admin.allow_secrets", EnvPrefix+"_ADMIN_ALLOW_SECRETS", "ADMIN_ALLOW_SET_SECRETS")
	_ = v.BindEnv("basic_config.server_address", EnvPrefix+"_BASIC_CONFIG_SERVER_ADDRESS")

	explicit := path != ""
	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	loaded := ""
	v.SetConfigFile(absPath)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	} else {
		loaded = absPath
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.path = loaded

	// PORT is the hosting platform's convention for the listen port.
	if port := os.Getenv("PORT"); port != "" && os.Getenv(EnvPrefix+"_BASIC_CONFIG_SERVER_ADDRESS") == "" {
		cfg.BasicConfig.ServerAddress = ":" + port
	}

	cfg.resolvePaths()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file that was read, or "" when none was found.
func (c *Config) Path() string { return c.path }

// resolvePaths anchors relative file paths at the config file's directory.
func (c *Config) resolvePaths() {
	if c.path == "" {
		return
	}
	base := filepath.Dir(c.path)
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Overlay.FilePath = anchor(c.Overlay.FilePath)
	c.Overlay.CatalogBaseDir = anchor(c.Overlay.CatalogBaseDir)
	for name, db := range c.Databases {
		if isSQLite(name) && db.DSN != "" && !strings.HasPrefix(db.DSN, "file:") && !strings.Contains(db.DSN, ":memory:") {
			db.DSN = anchor(db.DSN)
			c.Databases[name] = db
		}
	}
}

func (c *Config) validate() error {
	b := &c.BasicConfig
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", b.MaxWorkers, b.MinWorkers)
	}
	if b.StageTimeout <= 0 {
		return fmt.Errorf("stage_timeout must be positive")
	}
	switch strings.ToLower(c.Speech.VoiceReplies) {
	case "voice", "always", "never":
		c.Speech.VoiceReplies = strings.ToLower(c.Speech.VoiceReplies)
	default:
		return fmt.Errorf("speech.voice_replies must be voice, always or never, got %q", c.Speech.VoiceReplies)
	}
	switch strings.ToLower(c.Overlay.Store) {
	case "file", "redis":
	case "sqlite", "sqlite3", "mysql":
		if _, ok := c.Databases[strings.ToLower(c.Overlay.Store)]; !ok {
			return fmt.Errorf("overlay store %s has no databases entry", c.Overlay.Store)
		}
	default:
		return fmt.Errorf("unsupported overlay store: %s", c.Overlay.Store)
	}
	c.Overlay.Store = strings.ToLower(c.Overlay.Store)
	if c.Overlay.Store == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("overlay store redis requires redis.enabled")
	}
	return nil
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}
