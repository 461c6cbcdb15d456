package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 5, cfg.Push.BreakerThreshold)
	assert.Equal(t, 300*time.Second, cfg.Push.BreakerMaxBackoff)
	assert.Equal(t, int64(10*1024*1024), cfg.Push.LargePayloadBytes)
	assert.Equal(t, []string{"password", "api_key", "secret", "token", "private_key"}, cfg.Crypto.SensitiveFields)
	assert.Equal(t, `{app="datapush-service"}`, cfg.Monitor.LokiSelector)
	assert.Equal(t, 30*time.Second, cfg.Monitor.QueryTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LISTEN_PORT", "8080")
	t.Setenv("PUSH_BREAKER_THRESHOLD", "3")
	t.Setenv("PUSH_SENSITIVE_FIELDS", "password,dsn")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.ListenPort)
	assert.Equal(t, 3, cfg.Push.BreakerThreshold)
	assert.Equal(t, []string{"password", "dsn"}, cfg.Crypto.SensitiveFields)
	assert.Equal(t, "file::memory:?cache=shared", cfg.DB.DSN())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"不支持的驱动", map[string]string{"DB_DRIVER": "oracle"}},
		{"熔断阈值非法", map[string]string{"PUSH_BREAKER_THRESHOLD": "0"}},
		{"认证缺少密钥", map[string]string{"AUTH_REQUIRED": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DBConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "push", SSLMode: "disable", Schema: "public"}
	assert.Contains(t, d.DSN(), "host=db port=5432 user=u password=p dbname=push")

	d.URL = "postgres://x"
	assert.Equal(t, "postgres://x", d.DSN())
}
