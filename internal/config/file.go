package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML overlay (FLYDESK_CONFIG). Environment
// variables always win; the file only fills fields the environment left
// unset, so a deployment can keep non-secret settings in the repo and
// secrets in the environment.
type fileConfig struct {
	Server struct {
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Embedding struct {
		Model      string `yaml:"model"` // provider:model
		Dimensions int    `yaml:"dimensions"`
	} `yaml:"embedding"`
	VectorStore struct {
		Backend string `yaml:"backend"`
	} `yaml:"vector_store"`
	Audit struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`
	RateLimit struct {
		PerUser int `yaml:"per_user"`
	} `yaml:"rate_limit"`
	Files struct {
		StoragePath string `yaml:"storage_path"`
		MaxSizeMB   int    `yaml:"max_size_mb"`
	} `yaml:"files"`
}

// applyFileOverlay merges the YAML file named by FLYDESK_CONFIG into cfg.
// Missing file with the variable unset is fine; a named file that cannot be
// read or parsed is a configuration error.
func applyFileOverlay(cfg *Config) error {
	path := os.Getenv("FLYDESK_CONFIG")
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if os.Getenv("FLYDESK_PORT") == "" && file.Server.Port != 0 {
		cfg.Server.Port = file.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = file.Server.CORSOrigins
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = file.Database.URL
	}
	if os.Getenv("FLYDESK_EMBEDDING_MODEL") == "" && file.Embedding.Model != "" {
		provider, model := splitProviderModel(file.Embedding.Model)
		cfg.Embedding.Provider, cfg.Embedding.Model = provider, model
	}
	if os.Getenv("FLYDESK_EMBEDDING_DIMENSIONS") == "" && file.Embedding.Dimensions != 0 {
		cfg.Embedding.Dimensions = file.Embedding.Dimensions
	}
	if os.Getenv("FLYDESK_VECTOR_STORE") == "" && file.VectorStore.Backend != "" {
		cfg.VectorStore.Backend = file.VectorStore.Backend
	}
	if os.Getenv("FLYDESK_AUDIT_RETENTION_DAYS") == "" && file.Audit.RetentionDays != 0 {
		cfg.Audit.RetentionDays = file.Audit.RetentionDays
	}
	if os.Getenv("FLYDESK_RATE_LIMIT_PER_USER") == "" && file.RateLimit.PerUser != 0 {
		cfg.RateLimit.PerUser = file.RateLimit.PerUser
	}
	if os.Getenv("FLYDESK_FILE_STORAGE_PATH") == "" && file.Files.StoragePath != "" {
		cfg.Files.StoragePath = file.Files.StoragePath
	}
	if os.Getenv("FLYDESK_FILE_MAX_SIZE_MB") == "" && file.Files.MaxSizeMB != 0 {
		cfg.Files.MaxSizeMB = file.Files.MaxSizeMB
	}
	return nil
}
