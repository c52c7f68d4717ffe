package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const envPrefix = "TUMORSCAN_"

type Config struct {
	Host    string `toml:"host"`
	Port    string `toml:"port"`
	Libonnx string `toml:"libonnx"`

	ModelPath      string `toml:"model_path"`
	LabelsPath     string `toml:"labels_path"`
	ImageSize      int    `toml:"image_size"`
	Sessions       int    `toml:"sessions"`
	IntraOpThreads int    `toml:"intra_op_threads"`

	StaticDir         string   `toml:"static_dir"`
	CORSOrigin        string   `toml:"cors_origin"`
	MaxUploadBytes    int64    `toml:"max_upload_bytes"`
	AllowedExtensions []string `toml:"allowed_extensions"`
	ReadTimeout       Duration `toml:"read_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Duration reads TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              "5000",
		ModelPath:         "models/brain_tumor_classifier.onnx",
		ImageSize:         224,
		Sessions:          1,
		StaticDir:         "build",
		CORSOrigin:        "*",
		MaxUploadBytes:    10 << 20,
		AllowedExtensions: []string{"png", "jpg", "jpeg", "gif", "bmp"},
		ReadTimeout:       Duration{30 * time.Second},
		WriteTimeout:      Duration{60 * time.Second},
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads path over the defaults when the file exists, then applies
// .env and TUMORSCAN_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("failed to read config: %w", err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model_path must not be empty")
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	if c.Sessions <= 0 {
		return fmt.Errorf("sessions must be positive, got %d", c.Sessions)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("allowed_extensions must not be empty")
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("HOST", &cfg.Host)
	str("PORT", &cfg.Port)
	str("LIBONNX", &cfg.Libonnx)
	str("MODEL_PATH", &cfg.ModelPath)
	str("LABELS_PATH", &cfg.LabelsPath)
	str("STATIC_DIR", &cfg.StaticDir)
	str("CORS_ORIGIN", &cfg.CORSOrigin)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if err := num("IMAGE_SIZE", &cfg.ImageSize); err != nil {
		return err
	}
	if err := num("SESSIONS", &cfg.Sessions); err != nil {
		return err
	}
	if err := num("INTRA_OP_THREADS", &cfg.IntraOpThreads); err != nil {
		return err
	}

	if v, ok := lookup(envPrefix + "MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_UPLOAD_BYTES: %w", envPrefix, err)
		}
		cfg.MaxUploadBytes = n
	}
	if v, ok := lookup(envPrefix + "ALLOWED_EXTENSIONS"); ok {
		var exts []string
		for _, e := range strings.Split(v, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" {
				exts = append(exts, e)
			}
		}
		cfg.AllowedExtensions = exts
	}
	return nil
}
