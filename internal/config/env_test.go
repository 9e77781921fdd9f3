package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_CreateAndOverride(t *testing.T) {
	t.Parallel()

	env := envMap(map[string]string{
		"PKIWATCH_FILE_PATH":              "/run/tls/bundle.pem",
		"PKIWATCH_KUBE_SECRET_NAME":       "api-tls",
		"PKIWATCH_KUBE_NAMESPACE":         "api",
		"PKIWATCH_KUBE_RESOURCE_KEYS":     " tls.crt , tls.key ,",
		"PKIWATCH_SPIFFE_SOCKET":          "/tmp/agent.sock",
		"PKIWATCH_VALIDATE_DOMAIN":        "yes",
		"PKIWATCH_VALIDATION_DOMAIN":      "api.example.com",
		"PKIWATCH_VALIDATE_EXPIRATION":    "off",
		"PKIWATCH_RETRY_INITIAL_INTERVAL": "1s",
		"PKIWATCH_RETRY_MAX_INTERVAL":     "2m",
		"PKIWATCH_HTTP_LISTEN_ADDR":       "",
		"PKIWATCH_LOG_LEVEL":              "WARN",
	})

	cfg, err := parse([]byte("sources:\n  file:\n    path: /etc/tls/bundle.pem\n"), env)
	require.NoError(t, err)

	assert.Equal(t, "/run/tls/bundle.pem", cfg.Sources.File.Path)
	require.NotNil(t, cfg.Sources.Kubernetes)
	assert.Equal(t, "api-tls", cfg.Sources.Kubernetes.SecretName)
	assert.Equal(t, "api", cfg.Sources.Kubernetes.Namespace)
	assert.Equal(t, []string{"tls.crt", "tls.key"}, cfg.Sources.Kubernetes.ResourceKeys)
	assert.Empty(t, cfg.Sources.Kubernetes.OptionalKeys)
	require.NotNil(t, cfg.Sources.SPIFFE)
	assert.Equal(t, "/tmp/agent.sock", cfg.Sources.SPIFFE.SocketPath)

	assert.True(t, cfg.Validation.ValidateDomain)
	assert.Equal(t, "api.example.com", cfg.Validation.Domain)
	assert.False(t, cfg.Validation.ValidateExpiration)
	assert.Equal(t, time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, 2*time.Minute, cfg.Retry.MaxInterval)
	assert.Empty(t, cfg.HTTP.ListenAddr, "set but empty disables the HTTP surface")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvOverrides_InvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		envVar string
		value  string
		errMsg string
	}{
		{"invalid boolean", "PKIWATCH_VALIDATE_CHAIN", "maybe", "invalid PKIWATCH_VALIDATE_CHAIN"},
		{"invalid boolean - number", "PKIWATCH_ALLOW_SELF_SIGNED", "2", "invalid PKIWATCH_ALLOW_SELF_SIGNED"},
		{"invalid duration", "PKIWATCH_RETRIEVE_TIMEOUT", "soon", "invalid PKIWATCH_RETRIEVE_TIMEOUT"},
		{"duration missing unit", "PKIWATCH_RETRY_MAX_INTERVAL", "30", "invalid PKIWATCH_RETRY_MAX_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			err := applyEnvOverrides(&cfg, envMap(map[string]string{tt.envVar: tt.value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseBool(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"true", "1", "yes", "on", " TRUE "} {
		b, err := parseBool(v)
		require.NoError(t, err, v)
		assert.True(t, b, v)
	}
	for _, v := range []string{"false", "0", "no", "off"} {
		b, err := parseBool(v)
		require.NoError(t, err, v)
		assert.False(t, b, v)
	}
	_, err := parseBool("enabled")
	assert.Error(t, err)
}
