package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "QUOTEFLOW_"

// LoadDotEnv loads .env style files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays QUOTEFLOW_* environment variables on cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := lookupEnv("STORAGE_DRIVER"); ok {
		ensureStorage(cfg).Driver = v
	}
	if v, ok := lookupEnv("STORAGE_PATH"); ok {
		ensureStorage(cfg).Path = v
	}
	if v, ok := lookupEnv("STORAGE_DSN"); ok {
		ensureStorage(cfg).DSN = v
	}
	if v, ok := lookupEnv("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookupEnv("NATS_URL"); ok {
		cfg.NATS.URL = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
}

func ensureStorage(cfg *Config) *StorageConfig {
	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{}
	}
	return cfg.Storage
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
