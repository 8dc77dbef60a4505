package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.addr", typ: kString, env: "JOBPIPE_SERVER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
	{
		key: "server.tokens", typ: kString, env: "JOBPIPE_API_TOKENS",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Tokens = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Tokens },
	},
	{
		key: "server.mcp_user", typ: kString, env: "JOBPIPE_MCP_USER",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPUser = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.MCPUser },
	},
	{
		key: "client.base_url", typ: kString, env: "JOBPIPE_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.BaseURL },
	},
	{
		key: "client.token", typ: kString, env: "JOBPIPE_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Client.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Token },
	},
	{
		key: "log.level", typ: kString, env: "JOBPIPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "JOBPIPE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "storage.driver", typ: kString, env: "JOBPIPE_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "JOBPIPE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "JOBPIPE_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "blob.backend", typ: kString, env: "JOBPIPE_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.dir", typ: kString, env: "JOBPIPE_BLOB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Blob.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Dir },
	},
	{
		key: "blob.s3_bucket", typ: kString, env: "JOBPIPE_BLOB_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Bucket },
	},
	{
		key: "blob.s3_region", typ: kString, env: "JOBPIPE_BLOB_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Region },
	},
	{
		key: "blob.s3_endpoint", typ: kString, env: "JOBPIPE_BLOB_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Endpoint },
	},
	{
		key: "blob.s3_access_key_id", typ: kString, env: "JOBPIPE_BLOB_S3_ACCESS_KEY_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Blob.S3AccessKeyID = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3AccessKeyID },
	},
	{
		key: "blob.s3_secret_access_key", typ: kString, env: "JOBPIPE_BLOB_S3_SECRET_ACCESS_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Blob.S3SecretAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3SecretAccessKey },
	},
	{
		key: "bus.backend", typ: kString, env: "JOBPIPE_BUS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Bus.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Bus.Backend },
	},
	{
		key: "bus.queue_prefix", typ: kString, env: "JOBPIPE_BUS_QUEUE_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Bus.QueuePrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Bus.QueuePrefix },
	},
	{
		key: "bus.workers", typ: kInt, env: "JOBPIPE_BUS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Bus.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Bus.Workers },
	},
	{
		key: "bus.max_attempts", typ: kInt, env: "JOBPIPE_BUS_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Bus.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Bus.MaxAttempts },
	},
	{
		key: "bus.rabbitmq_url", typ: kString, env: "JOBPIPE_RABBITMQ_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Bus.RabbitURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Bus.RabbitURL },
	},
	{
		key: "bus.sqs_region", typ: kString, env: "JOBPIPE_BUS_SQS_REGION",
		apply:   func(cfg *Config, v any) { cfg.Bus.SQSRegion = v.(string) },
		extract: func(cfg Config) any { return cfg.Bus.SQSRegion },
	},
	{
		key: "bus.sqs_endpoint", typ: kString, env: "JOBPIPE_BUS_SQS_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Bus.SQSEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Bus.SQSEndpoint },
	},
	{
		key: "engine.backend", typ: kString, env: "JOBPIPE_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.model", typ: kString, env: "JOBPIPE_ENGINE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Model },
	},
	{
		key: "engine.ollama_base_url", typ: kString, env: "JOBPIPE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaBaseURL },
	},
	{
		key: "engine.openrouter_api_key", typ: kString, env: "JOBPIPE_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenRouterAPIKey },
	},
	{
		key: "engine.openrouter_base_url", typ: kString, env: "JOBPIPE_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenRouterURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenRouterURL },
	},
	{
		key: "speech.api_key", typ: kString, env: "JOBPIPE_SPEECH_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Speech.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.APIKey },
	},
	{
		key: "speech.base_url", typ: kString, env: "JOBPIPE_SPEECH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.BaseURL },
	},
	{
		key: "speech.model", typ: kString, env: "JOBPIPE_SPEECH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Model },
	},
	{
		key: "pipeline.auto_summarize", typ: kBool, env: "JOBPIPE_AUTO_SUMMARIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AutoSummarize = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.AutoSummarize },
	},
	{
		key: "pipeline.auto_translate", typ: kString, env: "JOBPIPE_AUTO_TRANSLATE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AutoTranslate = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.AutoTranslate },
	},
	{
		key: "pipeline.translation_source", typ: kString, env: "JOBPIPE_TRANSLATION_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TranslationSource = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.TranslationSource },
	},
	{
		key: "pipeline.stage_timeout", typ: kDuration, env: "JOBPIPE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "pipeline.stale_after", typ: kDuration, env: "JOBPIPE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.StaleAfter },
	},
	{
		key: "pipeline.reconcile_interval", typ: kDuration, env: "JOBPIPE_RECONCILE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ReconcileInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ReconcileInterval },
	},
	{
		key: "pipeline.max_input_tokens", typ: kInt, env: "JOBPIPE_MAX_INPUT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxInputTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxInputTokens },
	},
	{
		key: "notify.telegram_token", typ: kString, env: "JOBPIPE_TELEGRAM_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Notify.TelegramToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.TelegramToken },
	},
	{
		key: "notify.telegram_base_url", typ: kString, env: "JOBPIPE_TELEGRAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.TelegramBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.TelegramBaseURL },
	},
}

// parse converts raw into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets the environment left empty from the secrets file.
func applySecrets(cfg *Config, store secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := store.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
