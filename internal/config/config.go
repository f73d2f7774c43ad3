package config

import (
	"os"
	"strconv"
	"strings"

	"fusionseg/internal/scheduler"
	"fusionseg/internal/segcache"
	"fusionseg/internal/segment"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Segment            segment.Options `yaml:"segment"`
	CacheSize          int             `yaml:"cache_size"`
	MaxPersistentBytes int64           `yaml:"max_persistent_bytes"`
	LogLevel           string          `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Segment:            segment.DefaultOptions(),
		CacheSize:          segcache.DefaultSize,
		MaxPersistentBytes: scheduler.DefaultMaxPersistentBytes,
		LogLevel:           "info",
	}
}

// Load reads .env if present, then the YAML file at path if path is not
// empty, then the environment. Later sources win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	var err error
	set := func(dst *bool, key string) {
		if err == nil {
			err = envBool(dst, key)
		}
	}
	set(&cfg.Segment.RunCombineReductions, "SEGMENT_RUN_COMBINE_REDUCTIONS")
	set(&cfg.Segment.RunHerrmannMerge, "SEGMENT_RUN_HERRMANN_MERGE")
	set(&cfg.Segment.RunFinalMerge, "SEGMENT_RUN_FINAL_MERGE")
	set(&cfg.Segment.CheckInvariants, "SEGMENT_CHECK_INVARIANTS")
	if err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(os.Getenv("SEGMENT_CACHE_SIZE")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "SEGMENT_CACHE_SIZE")
		}
		cfg.CacheSize = n
	}
	if raw := strings.TrimSpace(os.Getenv("SEGMENT_MAX_PERSISTENT_BYTES")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "SEGMENT_MAX_PERSISTENT_BYTES")
		}
		cfg.MaxPersistentBytes = n
	}
	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), cfg.LogLevel, "info")

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	return cfg, nil
}

// ApplyLogLevel sets the level of the standard logrus logger.
func (c *Config) ApplyLogLevel() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logrus.SetLevel(level)
	return nil
}

func envBool(dst *bool, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return errors.Wrap(err, key)
	}
	*dst = v
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
