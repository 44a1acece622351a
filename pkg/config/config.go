// Package config loads client settings from .env files, a TOML or YAML file
// and SIMLI_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL          = "https://api.simli.ai"
	DefaultFrameTimeout    = 5 * time.Second
	DefaultLatencyInterval = 60 * time.Second
	DefaultRetries         = 3

	MinFrameTimeout = time.Second
	MaxFrameTimeout = 15 * time.Second
)

// Config holds everything needed to run one avatar session
type Config struct {
	APIKey           string
	FaceID           string
	Model            string
	SyncAudio        bool
	HandleSilence    bool
	MaxSessionLength int // seconds
	MaxIdleTime      int // seconds

	APIURL          string
	UseTURNServer   bool
	Relay           bool // join through a LiveKit room instead of a direct peer connection
	LatencyInterval time.Duration
	FrameTimeout    time.Duration
	Retries         int

	LogLevel    string
	MetricsAddr string
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		SyncAudio:        true,
		HandleSilence:    true,
		MaxSessionLength: 600,
		MaxIdleTime:      30,
		APIURL:           DefaultAPIURL,
		LatencyInterval:  DefaultLatencyInterval,
		FrameTimeout:     DefaultFrameTimeout,
		Retries:          DefaultRetries,
		LogLevel:         "info",
	}
}

// WSURL returns the websocket base derived from APIURL
func (c Config) WSURL() string {
	return strings.Replace(strings.TrimRight(c.APIURL, "/"), "http", "ws", 1)
}

// Validate checks required fields and ranges
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if strings.TrimSpace(c.FaceID) == "" {
		errs = append(errs, errors.New("face id is required"))
	}
	if c.FrameTimeout < MinFrameTimeout || c.FrameTimeout > MaxFrameTimeout {
		errs = append(errs, fmt.Errorf("frame timeout %s outside [%s, %s]", c.FrameTimeout, MinFrameTimeout, MaxFrameTimeout))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	if c.LatencyInterval < 0 {
		errs = append(errs, fmt.Errorf("latency interval must not be negative, got %s", c.LatencyInterval))
	}
	if c.MaxSessionLength < 0 || c.MaxIdleTime < 0 {
		errs = append(errs, errors.New("session limits must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds a Config. envFiles are loaded with godotenv (existing variables
// win); when none are given a ./.env is used if present. path may be empty,
// or name a .toml, .yaml or .yml file. The result is not validated so callers
// can still apply flags.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		var err error
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			err = loadTOML(path, &cfg)
		case ".yaml", ".yml":
			err = loadYAML(path, &cfg)
		default:
			err = fmt.Errorf("unsupported config file extension %q", ext)
		}
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// fileConfig is the on-disk layout shared by the TOML and YAML forms
type fileConfig struct {
	APIKey           string `toml:"api_key" yaml:"api_key"`
	FaceID           string `toml:"face_id" yaml:"face_id"`
	Model            string `toml:"model" yaml:"model"`
	SyncAudio        bool   `toml:"sync_audio" yaml:"sync_audio"`
	HandleSilence    bool   `toml:"handle_silence" yaml:"handle_silence"`
	MaxSessionLength int    `toml:"max_session_length" yaml:"max_session_length"`
	MaxIdleTime      int    `toml:"max_idle_time" yaml:"max_idle_time"`
	APIURL           string `toml:"api_url" yaml:"api_url"`
	UseTURNServer    bool   `toml:"use_turn_server" yaml:"use_turn_server"`
	Relay            bool   `toml:"relay" yaml:"relay"`
	LatencyInterval  string `toml:"latency_interval" yaml:"latency_interval"`
	FrameTimeout     string `toml:"frame_timeout" yaml:"frame_timeout"`
	Retries          int    `toml:"retries" yaml:"retries"`
	LogLevel         string `toml:"log_level" yaml:"log_level"`
	MetricsAddr      string `toml:"metrics_addr" yaml:"metrics_addr"`
}

func loadTOML(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return raw.apply(cfg, func(key string) bool { return meta.IsDefined(key) })
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return errors.New("top level must be a mapping")
	}
	keys := make(map[string]bool, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		keys[root.Content[i].Value] = true
	}
	var raw fileConfig
	if err := root.Decode(&raw); err != nil {
		return err
	}
	return raw.apply(cfg, func(key string) bool { return keys[key] })
}

func (raw fileConfig) apply(cfg *Config, defined func(string) bool) error {
	if defined("api_key") {
		cfg.APIKey = strings.TrimSpace(raw.APIKey)
	}
	if defined("face_id") {
		cfg.FaceID = strings.TrimSpace(raw.FaceID)
	}
	if defined("model") {
		cfg.Model = strings.TrimSpace(raw.Model)
	}
	if defined("sync_audio") {
		cfg.SyncAudio = raw.SyncAudio
	}
	if defined("handle_silence") {
		cfg.HandleSilence = raw.HandleSilence
	}
	if defined("max_session_length") {
		cfg.MaxSessionLength = raw.MaxSessionLength
	}
	if defined("max_idle_time") {
		cfg.MaxIdleTime = raw.MaxIdleTime
	}
	if defined("api_url") {
		cfg.APIURL = strings.TrimSpace(raw.APIURL)
	}
	if defined("use_turn_server") {
		cfg.UseTURNServer = raw.UseTURNServer
	}
	if defined("relay") {
		cfg.Relay = raw.Relay
	}
	if defined("latency_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.LatencyInterval))
		if err != nil {
			return fmt.Errorf("latency_interval: %w", err)
		}
		cfg.LatencyInterval = d
	}
	if defined("frame_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FrameTimeout))
		if err != nil {
			return fmt.Errorf("frame_timeout: %w", err)
		}
		cfg.FrameTimeout = d
	}
	if defined("retries") {
		cfg.Retries = raw.Retries
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SIMLI_API_KEY", &cfg.APIKey)
	str("SIMLI_FACE_ID", &cfg.FaceID)
	str("SIMLI_MODEL", &cfg.Model)
	str("SIMLI_API_URL", &cfg.APIURL)
	str("SIMLI_METRICS_ADDR", &cfg.MetricsAddr)
	str("LOG_LEVEL", &cfg.LogLevel)

	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	boolean("SIMLI_SYNC_AUDIO", &cfg.SyncAudio)
	boolean("SIMLI_HANDLE_SILENCE", &cfg.HandleSilence)
	boolean("SIMLI_USE_TURN_SERVER", &cfg.UseTURNServer)
	boolean("SIMLI_RELAY", &cfg.Relay)

	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	integer("SIMLI_MAX_SESSION_LENGTH", &cfg.MaxSessionLength)
	integer("SIMLI_MAX_IDLE_TIME", &cfg.MaxIdleTime)
	integer("SIMLI_RETRIES", &cfg.Retries)

	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	duration("SIMLI_LATENCY_INTERVAL", &cfg.LatencyInterval)
	duration("SIMLI_FRAME_TIMEOUT", &cfg.FrameTimeout)

	return errors.Join(errs...)
}
