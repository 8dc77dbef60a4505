package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type memBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error { m.strings[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *memBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not set")
	}
	return v, nil
}

func (m mockSecrets) Set(key, value string) error { m[key] = value; return nil }

// clearEnv blanks every JOBPIPE_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Bus.Backend != "memory" || cfg.Blob.Backend != "fs" {
		t.Errorf("unexpected backends: %+v %+v %+v", cfg.Storage, cfg.Bus, cfg.Blob)
	}
	if cfg.Pipeline.StageTimeout != 2*time.Minute || cfg.Pipeline.StaleAfter != 15*time.Minute {
		t.Errorf("unexpected pipeline timings: %+v", cfg.Pipeline)
	}
	if !cfg.Pipeline.AutoSummarize || cfg.Pipeline.TranslationSource != "transcript" {
		t.Errorf("unexpected pipeline graph: %+v", cfg.Pipeline)
	}
	if cfg.Blob.Dir != filepath.Join(cfg.Storage.DataDir, "blobs") {
		t.Errorf("Blob.Dir = %q, want under data dir %q", cfg.Blob.Dir, cfg.Storage.DataDir)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strings["bus.backend"] = "sqs"
	b.strings["pipeline.auto_summarize"] = "false"
	b.strings["pipeline.stage_timeout"] = "45s"
	b.strings["pipeline.auto_translate"] = "es, de,,fr"
	b.ints["bus.workers"] = 8

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Backend != "sqs" || cfg.Bus.Workers != 8 {
		t.Errorf("Bus = %+v", cfg.Bus)
	}
	if cfg.Pipeline.AutoSummarize {
		t.Error("AutoSummarize should be false")
	}
	if cfg.Pipeline.StageTimeout != 45*time.Second {
		t.Errorf("StageTimeout = %s", cfg.Pipeline.StageTimeout)
	}
	if got := strings.Join(cfg.AutoTranslateLanguages(), "|"); got != "es|de|fr" {
		t.Errorf("AutoTranslateLanguages = %q", got)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strings["engine.model"] = "file-model"
	t.Setenv("JOBPIPE_ENGINE_MODEL", "env-model")
	t.Setenv("JOBPIPE_BUS_WORKERS", "not-a-number")

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Model != "env-model" {
		t.Errorf("Engine.Model = %q, want env-model", cfg.Engine.Model)
	}
	if cfg.Bus.Workers != 4 {
		t.Errorf("unparseable env should keep default workers, got %d", cfg.Bus.Workers)
	}
}

func TestSecrets(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	// Secrets are never read from the config file.
	b.strings["engine.openrouter_api_key"] = "from-file"

	cfg, err := loadWith(b, mockSecrets{"engine.openrouter_api_key": "from-secrets", "speech.api_key": "sk"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.OpenRouterAPIKey != "from-secrets" || cfg.Speech.APIKey != "sk" {
		t.Errorf("secrets not applied: %q %q", cfg.Engine.OpenRouterAPIKey, cfg.Speech.APIKey)
	}

	t.Setenv("JOBPIPE_OPENROUTER_API_KEY", "from-env")
	cfg, err = loadWith(b, mockSecrets{"engine.openrouter_api_key": "from-secrets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.OpenRouterAPIKey != "from-env" {
		t.Errorf("env should win over secrets file, got %q", cfg.Engine.OpenRouterAPIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad bus", func(c *Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "JOBPIPE_POSTGRES_DSN"},
		{"s3 without bucket", func(c *Config) { c.Blob.Backend = "s3" }, "blob.s3_bucket"},
		{"rabbit without url", func(c *Config) { c.Bus.Backend = "rabbitmq" }, "JOBPIPE_RABBITMQ_URL"},
		{"stale before timeout", func(c *Config) { c.Pipeline.StaleAfter = time.Minute }, "stale_after"},
		{"bad source", func(c *Config) { c.Pipeline.TranslationSource = "audio" }, "translation_source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestTokenUsers(t *testing.T) {
	cfg := defaults()
	cfg.Server.Tokens = "abc:alice, def:bob"
	users, err := cfg.TokenUsers()
	if err != nil {
		t.Fatalf("TokenUsers: %v", err)
	}
	if users["abc"] != "alice" || users["def"] != "bob" || len(users) != 2 {
		t.Errorf("unexpected users: %v", users)
	}

	cfg.Server.Tokens = "just-a-token"
	if _, err := cfg.TokenUsers(); err == nil {
		t.Error("expected error for entry without user")
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()
	secrets := mockSecrets{}

	if err := setKey(b, secrets, "bus.workers", "12"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if b.ints["bus.workers"] != 12 {
		t.Errorf("bus.workers = %d", b.ints["bus.workers"])
	}
	if err := setKey(b, secrets, "pipeline.stale_after", "soon"); err == nil {
		t.Error("expected invalid duration to be rejected")
	}
	if err := setKey(b, secrets, "pipeline.stale_after", "30m"); err != nil || b.strings["pipeline.stale_after"] != "30m" {
		t.Errorf("set duration: %v %q", err, b.strings["pipeline.stale_after"])
	}
	if err := setKey(b, secrets, "notify.telegram_token", "123:abc"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if secrets["notify.telegram_token"] != "123:abc" {
		t.Error("secret not written to secrets store")
	}
	if _, ok := b.strings["notify.telegram_token"]; ok {
		t.Error("secret leaked into config backend")
	}
	if err := setKey(b, secrets, "nope", "1"); err == nil {
		t.Error("expected unknown key error")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Engine.OpenRouterAPIKey = "sk-live"

	var found bool
	for _, k := range ShowAll(cfg) {
		if k.Value == "sk-live" {
			t.Fatalf("secret %s shown in clear", k.Key)
		}
		if k.Key == "engine.openrouter_api_key" {
			found = k.Secret && k.Value == "********"
		}
	}
	if !found {
		t.Error("expected masked openrouter key in ShowAll")
	}
	if len(ValidKeys()) != len(specs) {
		t.Error("ValidKeys should list every key")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobpipe", "config.json")
	b := newFileBackend(path)
	if err := b.SetString("engine.model", "m"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetInt("bus.workers", 3); err != nil {
		t.Fatal(err)
	}

	reloaded := newFileBackend(path)
	if v, ok, _ := reloaded.GetString("engine.model"); !ok || v != "m" {
		t.Errorf("engine.model = %q, %v", v, ok)
	}
	if v, ok, err := reloaded.GetInt("bus.workers"); !ok || err != nil || v != 3 {
		t.Errorf("bus.workers = %d, %v, %v", v, ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v", info.Mode().Perm())
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "secrets.json")}
	if _, err := f.Get("speech.api_key"); err == nil {
		t.Fatal("expected error before the file exists")
	}
	if err := f.Set("speech.api_key", "sk-1"); err != nil {
		t.Fatal(err)
	}
	if v, err := f.Get("speech.api_key"); err != nil || v != "sk-1" {
		t.Errorf("Get = %q, %v", v, err)
	}
}
