package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"dsforge/internal/storage"
	sinkkafka "dsforge/sink/kafka"
	"dsforge/sink/stdout"
	srckafka "dsforge/source/kafka"
)

const EnvPrefix = "DSFORGE__"

type Storage struct {
	Backend        string           `koanf:"backend"` // local|s3
	BasePath       string           `koanf:"base_path"`
	ImagesDir      string           `koanf:"images_dir"`
	AnnotationFile string           `koanf:"annotation_file"`
	S3             storage.S3Config `koanf:"s3"`
}

type Database struct {
	Path string `koanf:"path"`
}

type Executor struct {
	Workers    int    `koanf:"workers"`
	RunWorkers int    `koanf:"run_workers"`
	QueueSize  int    `koanf:"queue_size"`
	Policy     string `koanf:"policy"` // fail_fast|best_effort
}

type Events struct {
	Sinks         []string         `koanf:"sinks"`
	ProgressEvery int              `koanf:"progress_every"`
	Kafka         sinkkafka.Config `koanf:"kafka"`
	Stdout        stdout.Config    `koanf:"stdout"`
}

type Intake struct {
	Driver string          `koanf:"driver"`
	Kafka  srckafka.Config `koanf:"kafka"`
}

// Engine is the process configuration of cmd/engine.
type Engine struct {
	SchemaVersion string   `koanf:"schema_version"`
	GRPCPort      int      `koanf:"grpc_port"`
	MetricsPort   int      `koanf:"metrics_port"`
	Storage       Storage  `koanf:"storage"`
	Database      Database `koanf:"database"`
	Executor      Executor `koanf:"executor"`
	Events        Events   `koanf:"events"`
	Intake        Intake   `koanf:"intake"`
}

// Layout is the dataset directory layout the storage section describes.
func (s Storage) Layout() storage.Layout {
	l := storage.DefaultLayout()
	if s.ImagesDir != "" {
		l.ImagesDir = s.ImagesDir
	}
	if s.AnnotationFile != "" {
		l.AnnotationFile = s.AnnotationFile
	}
	return l
}

// LoadEngine merges YAML (if present) with env-vars
// (prefix `DSFORGE__`, delimiter `__`), then applies defaults.
func LoadEngine(path string) (Engine, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Engine{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Engine{}, fmt.Errorf("engine schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return Engine{}, err
	}

	var cfg Engine
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(c *Engine) {
	if c.GRPCPort == 0 {
		c.GRPCPort = 7070
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9100
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "./data"
	}
	if c.Database.Path == "" {
		c.Database.Path = "dsforge.db"
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 4
	}
	if c.Executor.RunWorkers <= 0 {
		c.Executor.RunWorkers = 1
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = 128
	}
	if c.Executor.Policy == "" {
		c.Executor.Policy = "fail_fast"
	}
	if len(c.Events.Sinks) == 0 {
		c.Events.Sinks = []string{"stdout"}
	}
	if c.Events.ProgressEvery <= 0 {
		c.Events.ProgressEvery = 50
	}
	if c.Intake.Driver == "" {
		c.Intake.Driver = "sarama"
	}
	srckafka.ApplyDefaults(&c.Intake.Kafka)
}

func validate(c Engine) error {
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("config: storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Executor.Policy {
	case "fail_fast", "best_effort":
	default:
		return fmt.Errorf("config: unknown executor policy %q", c.Executor.Policy)
	}
	if c.Intake.Kafka.Enabled && len(c.Intake.Kafka.Brokers) == 0 {
		return errors.New("config: intake.kafka.brokers is required when intake is enabled")
	}
	return nil
}
