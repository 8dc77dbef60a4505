// Package config loads jobpipe settings. Values come from defaults, then
// the JSON config file, then JOBPIPE_* environment variables (a .env file in
// the working directory is read first). Secrets are only read from the
// environment or the secrets file, never from the config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Client   ClientConfig
	Log      LogConfig
	Storage  StorageConfig
	Blob     BlobConfig
	Bus      BusConfig
	Engine   EngineConfig
	Speech   SpeechConfig
	Pipeline PipelineConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Addr string
	// Tokens is a comma separated list of token:user pairs.
	Tokens  string
	MCPUser string
}

// ClientConfig is what the CLI uses to talk to a running server.
type ClientConfig struct {
	BaseURL string
	Token   string
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresDSN string
}

type BlobConfig struct {
	Backend           string
	Dir               string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

type BusConfig struct {
	Backend     string
	QueuePrefix string
	Workers     int
	MaxAttempts int
	RabbitURL   string
	SQSRegion   string
	SQSEndpoint string
}

type EngineConfig struct {
	Backend          string
	Model            string
	OllamaBaseURL    string
	OpenRouterAPIKey string
	OpenRouterURL    string
}

type SpeechConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type PipelineConfig struct {
	AutoSummarize     bool
	AutoTranslate     string
	TranslationSource string
	StageTimeout      time.Duration
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
	MaxInputTokens    int
}

type NotifyConfig struct {
	TelegramToken   string
	TelegramBaseURL string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Addr:    "127.0.0.1:8080",
			MCPUser: "local",
		},
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: dataDir,
		},
		Blob: BlobConfig{
			Backend: "fs",
		},
		Bus: BusConfig{
			Backend:     "memory",
			QueuePrefix: "jobpipe",
			Workers:     4,
			MaxAttempts: 5,
			SQSRegion:   "us-east-1",
		},
		Engine: EngineConfig{
			Backend:       "openrouter",
			Model:         "openai/gpt-4o-mini",
			OllamaBaseURL: "http://localhost:11434",
		},
		Speech: SpeechConfig{
			Model: "whisper-1",
		},
		Pipeline: PipelineConfig{
			AutoSummarize:     true,
			TranslationSource: "transcript",
			StageTimeout:      2 * time.Minute,
			StaleAfter:        15 * time.Minute,
			ReconcileInterval: time.Minute,
			MaxInputTokens:    6000,
		},
	}
}

// Load reads configuration from the file backend, the environment and the
// secrets file. A .env file in the working directory is loaded into the
// environment first without overriding variables that are already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if cfg.Blob.Dir == "" {
		cfg.Blob.Dir = filepath.Join(cfg.Storage.DataDir, "blobs")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated settings and limits.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), v))
	}
	oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "text", "json")
	oneOf("storage.driver", c.Storage.Driver, "sqlite", "postgres")
	oneOf("blob.backend", c.Blob.Backend, "fs", "s3")
	oneOf("bus.backend", c.Bus.Backend, "memory", "rabbitmq", "sqs")
	oneOf("engine.backend", c.Engine.Backend, "openrouter", "ollama")
	oneOf("pipeline.translation_source", c.Pipeline.TranslationSource, "transcript", "summary")

	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("storage.driver is postgres but JOBPIPE_POSTGRES_DSN is not set"))
	}
	if c.Blob.Backend == "s3" && c.Blob.S3Bucket == "" {
		errs = append(errs, fmt.Errorf("blob.backend is s3 but blob.s3_bucket is not set"))
	}
	if c.Bus.Backend == "rabbitmq" && c.Bus.RabbitURL == "" {
		errs = append(errs, fmt.Errorf("bus.backend is rabbitmq but JOBPIPE_RABBITMQ_URL is not set"))
	}
	if c.Bus.Workers < 1 {
		errs = append(errs, fmt.Errorf("bus.workers must be at least 1"))
	}
	if c.Pipeline.StageTimeout <= 0 || c.Pipeline.StaleAfter <= 0 || c.Pipeline.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipeline durations must be positive"))
	}
	if c.Pipeline.StaleAfter <= c.Pipeline.StageTimeout {
		errs = append(errs, fmt.Errorf("pipeline.stale_after (%s) must exceed pipeline.stage_timeout (%s)", c.Pipeline.StaleAfter, c.Pipeline.StageTimeout))
	}
	return errors.Join(errs...)
}

// AutoTranslateLanguages splits pipeline.auto_translate into codes.
func (c Config) AutoTranslateLanguages() []string {
	var out []string
	for _, l := range strings.Split(c.Pipeline.AutoTranslate, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// TokenUsers parses server.tokens into a token -> user map.
func (c Config) TokenUsers() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.Server.Tokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("JOBPIPE_API_TOKENS: entry %q is not token:user", pair)
		}
		out[token] = user
	}
	return out, nil
}
