package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/fusionn-autosub/pkg/logger"
)

// EnvPrefix is prepended to every environment override, e.g.
// FUSIONN_AUTOSUB_QUEUE_MAX_RETRIES.
const EnvPrefix = "FUSIONN_AUTOSUB"

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Whisper   WhisperConfig   `mapstructure:"whisper"`
	Diarize   DiarizeConfig   `mapstructure:"diarize"`
	Translate TranslateConfig `mapstructure:"translate"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Models    ModelsConfig    `mapstructure:"models"`
	Apprise   AppriseConfig   `mapstructure:"apprise"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LockFile string `mapstructure:"lock_file"` // single-instance lock
}

type PathsConfig struct {
	Temp      string `mapstructure:"temp"`      // extracted audio, deleted after each run
	Subtitles string `mapstructure:"subtitles"` // generated subtitle files
	Videos    string `mapstructure:"videos"`    // burned-in videos
	Models    string `mapstructure:"models"`    // downloaded model weights
}

type WhisperConfig struct {
	// Provider: "local" (faster-whisper script) or "openai" (API)
	Provider    string `mapstructure:"provider"`
	Python      string `mapstructure:"python"`
	Script      string `mapstructure:"script"`
	Device      string `mapstructure:"device"`       // auto, cuda, cpu
	ComputeType string `mapstructure:"compute_type"` // float16, int8, ...
	BeamSize    int    `mapstructure:"beam_size"`
	// APIKey/BaseURL: required if provider is "openai"
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type DiarizeConfig struct {
	Python      string `mapstructure:"python"`
	Script      string `mapstructure:"script"`
	Model       string `mapstructure:"model"`
	HFToken     string `mapstructure:"hf_token"`
	MinSpeakers int    `mapstructure:"min_speakers"`
	MaxSpeakers int    `mapstructure:"max_speakers"`
}

type TranslateConfig struct {
	// BaseURL of the Ollama server, e.g. "http://localhost:11434"
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"` // default when a job names none
	BatchSize   int     `mapstructure:"batch_size"`
	ContextSize int     `mapstructure:"context_size"` // previous segments sent as context
	Temperature float64 `mapstructure:"temperature"`
	MaxChars    int     `mapstructure:"max_chars"`
	TimeoutSec  int     `mapstructure:"timeout_sec"`

	// Rate limiting
	RateLimitRPM int `mapstructure:"rate_limit_rpm"` // Requests per minute (0 = no limit)
}

type FFmpegConfig struct {
	Binary     string `mapstructure:"binary"`
	Probe      string `mapstructure:"probe"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoder    string `mapstructure:"encoder"` // libx264, h264_nvenc, ...
	CRF        int    `mapstructure:"crf"`
	Preset     string `mapstructure:"preset"` // default when a job names none
}

type QueueConfig struct {
	Backend      string         `mapstructure:"backend"`        // memory or redis
	Prefix       string         `mapstructure:"prefix"`         // redis key prefix
	MaxRetries   int            `mapstructure:"max_retries"`    // automatic retries after a transient failure
	RetryDelayMs int            `mapstructure:"retry_delay_ms"` // Delay between retries
	Workers      map[string]int `mapstructure:"workers"`        // per resource class
}

type ProgressConfig struct {
	Backend       string  `mapstructure:"backend"` // memory or redis
	LatestTTLSec  int     `mapstructure:"latest_ttl_sec"`
	Buffer        int     `mapstructure:"buffer"`         // per subscriber
	PublishBuffer int     `mapstructure:"publish_buffer"` // pipeline side
	MinDelta      float64 `mapstructure:"min_delta"`      // smallest persisted change in percent
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or memory
	Path   string `mapstructure:"path"`
}

type BatchConfig struct {
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
	StaleAfterMin    int `mapstructure:"stale_after_min"`
	RetentionDays    int `mapstructure:"retention_days"` // 0 = keep forever
	TempMaxAgeHours  int `mapstructure:"temp_max_age_hours"`
}

type ModelsConfig struct {
	CacheSize        int `mapstructure:"cache_size"`
	IdleTTLMin       int `mapstructure:"idle_ttl_min"`
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"` // Apprise API URL
	Key     string `mapstructure:"key"`      // Apprise config key
	Tag     string `mapstructure:"tag"`      // Tag to filter services
}

func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMs) * time.Millisecond
}

func (p ProgressConfig) LatestTTL() time.Duration {
	return time.Duration(p.LatestTTLSec) * time.Second
}

func (t TranslateConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

func (m ModelsConfig) IdleTTL() time.Duration {
	return time.Duration(m.IdleTTLMin) * time.Minute
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.lock_file", "/data/fusionn-autosub.lock")

	v.SetDefault("paths.temp", "/data/temp")
	v.SetDefault("paths.subtitles", "/data/subtitles")
	v.SetDefault("paths.videos", "/data/videos")
	v.SetDefault("paths.models", "")

	v.SetDefault("whisper.provider", "local")
	v.SetDefault("whisper.python", "python3")
	v.SetDefault("whisper.script", "/app/scripts/transcribe.py")
	v.SetDefault("whisper.device", "auto")
	v.SetDefault("whisper.compute_type", "auto")
	v.SetDefault("whisper.beam_size", 5)
	v.SetDefault("whisper.api_key", "")
	v.SetDefault("whisper.base_url", "https://api.openai.com/v1")

	v.SetDefault("diarize.python", "python3")
	v.SetDefault("diarize.script", "/app/scripts/diarize.py")
	v.SetDefault("diarize.model", "pyannote/speaker-diarization-3.1")
	v.SetDefault("diarize.hf_token", "")
	v.SetDefault("diarize.min_speakers", 0)
	v.SetDefault("diarize.max_speakers", 0)

	v.SetDefault("translate.base_url", "http://localhost:11434")
	v.SetDefault("translate.model", "qwen2.5:7b")
	v.SetDefault("translate.batch_size", 8)
	v.SetDefault("translate.context_size", 2)
	v.SetDefault("translate.temperature", 0.3)
	v.SetDefault("translate.max_chars", 42)
	v.SetDefault("translate.timeout_sec", 120)
	v.SetDefault("translate.rate_limit_rpm", 0)

	v.SetDefault("ffmpeg.binary", "ffmpeg")
	v.SetDefault("ffmpeg.probe", "ffprobe")
	v.SetDefault("ffmpeg.sample_rate", 16000)
	v.SetDefault("ffmpeg.encoder", "libx264")
	v.SetDefault("ffmpeg.crf", 23)
	v.SetDefault("ffmpeg.preset", "medium")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.prefix", "autosub:queue")
	v.SetDefault("queue.max_retries", 1)
	v.SetDefault("queue.retry_delay_ms", 5000)
	v.SetDefault("queue.workers", map[string]int{"encode": 2})

	v.SetDefault("progress.backend", "memory")
	v.SetDefault("progress.latest_ttl_sec", 3600)
	v.SetDefault("progress.buffer", 64)
	v.SetDefault("progress.publish_buffer", 256)
	v.SetDefault("progress.min_delta", 1.0)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "/data/fusionn-autosub.db")

	v.SetDefault("batch.sweep_interval_sec", 30)
	v.SetDefault("batch.stale_after_min", 60)
	v.SetDefault("batch.retention_days", 0)
	v.SetDefault("batch.temp_max_age_hours", 24)

	v.SetDefault("models.cache_size", 2)
	v.SetDefault("models.idle_ttl_min", 30)
	v.SetDefault("models.sweep_interval_sec", 60)

	v.SetDefault("apprise.enabled", false)
	v.SetDefault("apprise.base_url", "")
	v.SetDefault("apprise.key", "")
	v.SetDefault("apprise.tag", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// read loads the file when it exists; without one, defaults and env apply.
func read(v *viper.Viper, path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would only fail later at wiring time.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend)
	}
	switch c.Progress.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("progress.backend: unknown backend %q", c.Progress.Backend)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	for class, n := range c.Queue.Workers {
		if n < 0 {
			return fmt.Errorf("queue.workers.%s: must not be negative", class)
		}
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries: must not be negative")
	}
	return nil
}

// ChangeCallback is called when config changes.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	cfg       *Config
	callbacks []ChangeCallback
	stop      chan struct{}
	stopOnce  sync.Once

	path        string
	lastModTime time.Time
}

// NewManager creates a config manager with hot-reload support via polling.
func NewManager(path string) (*Manager, error) {
	v := newViper(path)
	cfg, err := read(v, path)
	if err != nil {
		return nil, err
	}

	var lastMod time.Time
	if stat, err := os.Stat(path); err == nil {
		lastMod = stat.ModTime()
	} else {
		logger.Warnf("⚠️ Config file %s not found, using defaults and environment", path)
	}

	m := &Manager{
		v:           v,
		cfg:         cfg,
		stop:        make(chan struct{}),
		path:        path,
		lastModTime: lastMod,
	}

	go m.pollForChanges(10 * time.Second)

	logger.Infof("📋 Config loaded (polling every 10s for changes)")

	return m, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkForChanges()
		}
	}
}

// checkForChanges reloads the file when its modification time moved forward.
func (m *Manager) checkForChanges() bool {
	stat, err := os.Stat(m.path)
	if err != nil {
		return false
	}

	m.mu.RLock()
	lastMod := m.lastModTime
	m.mu.RUnlock()

	if !stat.ModTime().After(lastMod) {
		return false
	}
	logger.Infof("🔄 Config file changed, reloading...")

	m.mu.Lock()
	m.lastModTime = stat.ModTime()
	m.mu.Unlock()

	return m.reload()
}

func (m *Manager) reload() bool {
	newCfg, err := read(m.v, m.path)
	if err != nil {
		logger.Errorf("❌ Failed to reload config: %v", err)
		return false
	}

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = newCfg
	callbacks := m.callbacks
	m.mu.Unlock()

	logChanges(oldCfg, newCfg, "")

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	return true
}

func logChanges(old, cur any, prefix string) {
	oldVal := reflect.ValueOf(old)
	newVal := reflect.ValueOf(cur)

	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	if oldVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		if oldField.Kind() == reflect.Struct {
			logChanges(oldField.Interface(), newField.Interface(), fieldName)
			continue
		}

		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			if isSecret(field.Name) {
				logger.Infof("  📝 %s: (changed)", fieldName)
				continue
			}
			logger.Infof("  📝 %s: %v → %v", fieldName, oldField.Interface(), newField.Interface())
		}
	}
}

func isSecret(name string) bool {
	switch name {
	case "APIKey", "HFToken", "Key":
		return true
	}
	return false
}

// Load is a convenience function for one-time loading.
func Load(path string) (*Config, error) {
	return read(newViper(path), path)
}
