package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8083, cfg.Server.Port)
	assert.Equal(t, "signaling-service", cfg.Server.ServiceName)
	assert.Equal(t, 45*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, 256, cfg.Signaling.SendQueueSize)
	assert.True(t, cfg.Signaling.AllowSignalWhileCalling)
	assert.Equal(t, "callrelay-api", cfg.JWT.Audience)
	assert.Equal(t, "mock", cfg.Push.Provider)
	assert.False(t, cfg.Tracing.Enabled)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PORT", "9000")
	t.Setenv("SIGNAL_RING_TIMEOUT", "20s")
	t.Setenv("SIGNAL_ALLOW_WHILE_CALLING", "false")
	t.Setenv("SIGNAL_EMPTY_CALL_TIMEOUT", "5m")
	t.Setenv("SIGNALING_SEND_QUEUE_SIZE", "64")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Signaling.RingTimeout)
	assert.False(t, cfg.Signaling.AllowSignalWhileCalling)
	assert.Equal(t, 5*time.Minute, cfg.Signaling.EmptyCallTimeout)
	assert.Equal(t, 64, cfg.Signaling.SendQueueSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"jwt:",
		"  secret: " + testSecret,
		"signaling:",
		"  call_shards: 8",
		"  ring_timeout: 30s",
	}, "\n")), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Signaling.CallShards)
	assert.Equal(t, 30*time.Second, cfg.Signaling.RingTimeout)
}

func TestLoad_SecretFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt_secret")
	require.NoError(t, os.WriteFile(path, []byte(testSecret+"\n"), 0o600))
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Environment: "development"},
			JWT:    JWTConfig{Secret: testSecret},
			Redis:  RedisConfig{HealthCheckInterval: 10 * time.Second},
			Push:   PushConfig{Provider: "mock"},
			Signaling: SignalingConfig{
				RingTimeout:      45 * time.Second,
				SendQueueSize:    256,
				RegistryShards:   32,
				CallShards:       32,
				PongWait:         60 * time.Second,
				PingInterval:     54 * time.Second,
				AuditInterval:    time.Minute,
				EmptyCallTimeout: 2 * time.Minute,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.JWT.Secret = "" }, "JWT_SECRET is required"},
		{"short secret in production", func(c *Config) {
			c.Server.Environment = "production"
			c.Push.Provider = "firebase"
			c.JWT.Secret = "short"
		}, "at least 32 characters"},
		{"mock push in production", func(c *Config) { c.Server.Environment = "production" }, "PUSH_PROVIDER=mock"},
		{"zero queue", func(c *Config) { c.Signaling.SendQueueSize = 0 }, "send_queue_size"},
		{"zero shards", func(c *Config) { c.Signaling.CallShards = 0 }, "shard counts"},
		{"zero ring timeout", func(c *Config) { c.Signaling.RingTimeout = 0 }, "ring_timeout"},
		{"zero empty call timeout", func(c *Config) { c.Signaling.EmptyCallTimeout = 0 }, "empty_call_timeout"},
		{"zero audit interval", func(c *Config) { c.Signaling.AuditInterval = 0 }, "intervals must be positive"},
		{"ping after pong", func(c *Config) { c.Signaling.PingInterval = 2 * time.Minute }, "ping_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
