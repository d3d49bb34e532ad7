package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func TestFromEnvDefaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("DM_JWT_SECRET", testSecret)

	c, err := FromEnv()
	req.NoError(err)

	req.Equal(":8080", c.HTTPAddr)
	req.Equal("memory", c.StoreBackend)
	req.Equal(2000, c.MaxBodyChars)
	req.Equal(4096, c.MaxBodyBytes)
	req.Equal(2, c.MinQueryLength)
	req.Equal(10, c.MaxSearchResults)
	req.Equal(5*time.Second, c.IndexRefresh)
	req.Equal(20, c.SendRateLimit)
	req.Equal(10*time.Second, c.SendRateWindow)
	req.Equal(7*24*time.Hour, c.TokenTTL)
	req.Equal([]string{"*"}, c.CORSOrigins)
	req.NotEmpty(c.ServerName)
	req.False(c.Production())
}

func TestFromEnvOverrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("DM_JWT_SECRET", testSecret)
	t.Setenv("DM_STORE", "postgres")
	t.Setenv("DM_POSTGRES_DSN", "postgres://dm@localhost/dm?sslmode=disable")
	t.Setenv("DM_MAX_BODY_CHARS", "500")
	t.Setenv("DM_SEND_BUFFER", "8")
	t.Setenv("DM_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("DM_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DM_SERVER_NAME", "dm-7")
	t.Setenv("DM_ENV", "production")

	c, err := FromEnv()
	req.NoError(err)
	req.True(c.Production())
	req.Equal([]string{"https://a.example", "https://b.example"}, c.CORSOrigins)

	wsCfg := c.WSConfig()
	req.Equal(8, wsCfg.SendBuffer)
	req.Equal(5*time.Second, wsCfg.Heartbeat.Interval)

	svc := c.ServiceConfig()
	req.Equal(500, svc.Limits.MaxChars)
	req.Equal(4096, svc.Limits.MaxBytes)

	req.Equal("dm-server:dm-7", c.NATSConfig().Name)

	rule := c.SendRule()
	req.Equal(20, rule.Limit)
	req.Equal(10*time.Second, rule.Window)
	req.NotEmpty(rule.Key)
}

func TestFromEnvValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"short secret", map[string]string{"DM_JWT_SECRET": "short"}},
		{"unknown store", map[string]string{"DM_JWT_SECRET": testSecret, "DM_STORE": "mysql"}},
		{"postgres without dsn", map[string]string{"DM_JWT_SECRET": testSecret, "DM_STORE": "postgres"}},
		{"search cap too high", map[string]string{"DM_JWT_SECRET": testSecret, "DM_MAX_SEARCH_RESULTS": "1000"}},
		{"bad duration", map[string]string{"DM_JWT_SECRET": testSecret, "DM_INDEX_REFRESH": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DM_JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}
