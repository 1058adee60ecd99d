package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Logger struct {
	Level string `yaml:"level"`
}

type Mongo struct {
	URI                    string        `yaml:"uri"`
	MaxPoolSize            uint64        `yaml:"max_pool_size"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
}

type Oplog struct {
	Database     string        `yaml:"database"`
	Collection   string        `yaml:"collection"`
	Namespace    string        `yaml:"namespace"`
	MaxAwaitTime time.Duration `yaml:"max_await_time"`
	BatchSize    int32         `yaml:"batch_size"`
}

type S3 struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Checkpoint selects where observer positions are saved: none, local or s3.
type Checkpoint struct {
	Type  string `yaml:"type"`
	Path  string `yaml:"path"`
	Every int    `yaml:"every"`
	S3    S3     `yaml:"s3"`
}

type Observer struct {
	ID           string        `yaml:"id"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Checkpoint   Checkpoint    `yaml:"checkpoint"`
}

type Mirror struct {
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	Addr       string `yaml:"addr"`
}

type Kafka struct {
	URL         string   `yaml:"url"`
	WatchFields []string `yaml:"watch_fields"`
}

// Repository selects where archive files go: local or s3.
type Repository struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	S3   S3     `yaml:"s3"`
}

type Archive struct {
	Enabled    bool       `yaml:"enabled"`
	BatchSize  int        `yaml:"batch_size"`
	Repository Repository `yaml:"repository"`
}

type Config struct {
	Logger   Logger   `yaml:"logger"`
	Mongo    Mongo    `yaml:"mongo"`
	Oplog    Oplog    `yaml:"oplog"`
	Observer Observer `yaml:"observer"`
	Mirror   Mirror   `yaml:"mirror"`
	Kafka    Kafka    `yaml:"kafka"`
	Archive  Archive  `yaml:"archive"`
}

func Default() *Config {
	return &Config{
		Logger: Logger{Level: "info"},
		Mongo: Mongo{
			URI:                    "mongodb://127.0.0.1",
			MaxPoolSize:            20,
			ServerSelectionTimeout: 5 * time.Second,
		},
		Oplog: Oplog{
			Database:     "local",
			Collection:   "oplog.rs",
			MaxAwaitTime: time.Second,
		},
		Observer: Observer{
			ID:           "observer",
			PollInterval: 100 * time.Millisecond,
			Checkpoint: Checkpoint{
				Type:  "none",
				Path:  "./dev/checkpoints",
				Every: 100,
			},
		},
		Mirror: Mirror{
			Addr: ":8080",
		},
		Archive: Archive{
			BatchSize: 1000,
			Repository: Repository{
				Type: "local",
				Path: "./dev/archive",
			},
		},
	}
}

// NewFromFile reads fpath over the defaults.
func NewFromFile(fpath string) (*Config, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := yaml.Unmarshal(bs, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fpath, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Observer.Checkpoint.Type {
	case "", "none", "local", "s3":
	default:
		return fmt.Errorf("unsupported checkpoint type: %q", c.Observer.Checkpoint.Type)
	}
	if c.Observer.Checkpoint.Type == "s3" && c.Observer.Checkpoint.S3.Bucket == "" {
		return fmt.Errorf("s3 checkpoint requires a bucket")
	}

	if c.Archive.Enabled {
		switch c.Archive.Repository.Type {
		case "local":
		case "s3":
			if c.Archive.Repository.S3.Bucket == "" {
				return fmt.Errorf("s3 archive repository requires a bucket")
			}
		default:
			return fmt.Errorf("unsupported archive repository type: %q", c.Archive.Repository.Type)
		}
	}

	if (c.Mirror.Database == "") != (c.Mirror.Collection == "") {
		return fmt.Errorf("mirror requires both database and collection")
	}
	return nil
}

// MirrorNamespace is the db.collection being mirrored, if any.
func (c *Config) MirrorNamespace() string {
	if c.Mirror.Database == "" {
		return ""
	}
	return c.Mirror.Database + "." + c.Mirror.Collection
}
