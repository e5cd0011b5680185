// Package config provides configuration loading for inkdexd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/inkdex/internal/embeddings"
	"github.com/fyrsmithlabs/inkdex/internal/extract"
	"github.com/fyrsmithlabs/inkdex/internal/logging"
	"github.com/fyrsmithlabs/inkdex/internal/querycache"
	"github.com/fyrsmithlabs/inkdex/internal/search"
	"github.com/fyrsmithlabs/inkdex/internal/syncer"
	"github.com/fyrsmithlabs/inkdex/internal/vectorstore"
)

// Config is the root configuration for the inkdexd process.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Logging     logging.Config     `koanf:"logging"`
	Embeddings  embeddings.Config  `koanf:"embeddings"`
	VectorStore vectorstore.Config `koanf:"vectorstore"`
	Extract     extract.Config     `koanf:"extract"`
	Cache       querycache.Config  `koanf:"cache"`
	Sync        syncer.Config      `koanf:"sync"`
	Search      search.Config      `koanf:"search"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address. Default: "127.0.0.1"
	Host string `koanf:"host"`

	// Port is the HTTP listen port. Default: 9178
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ApplyDefaults sets default values for every section.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9178
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Logging.ApplyDefaults()
	c.Embeddings.ApplyDefaults()
	c.VectorStore.ApplyDefaults()
	c.Extract.ApplyDefaults()
	c.Cache.ApplyDefaults()
	c.Sync.ApplyDefaults()
	c.Search.ApplyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}
	if err := c.Extract.Validate(); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	return nil
}
