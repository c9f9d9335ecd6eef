package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/security"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HERALD_STORAGE_DRIVER", config.DriverMemory)
	t.Setenv("HERALD_OBJECTS_DRIVER", config.DriverMemory)
	t.Setenv("HERALD_AUTH_JWT_SECRET", "app-test-secret")
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	return cfg
}

func TestServiceServe(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Server.Issuer = "https://auth.example.com"
	cfg.Server.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer svc.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "https://auth.example.com", meta["issuer"])
	assert.Equal(t, "https://auth.example.com/token", meta["token_endpoint"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestNewServiceRejectsBadEncryptionKey(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Auth.EncryptionKey = "not base64!"

	_, err := NewService(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid auth.encryption_key")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "herald version: "+Version+"\n", out)
}

func TestKeygenCommand(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)

	key, err := security.KeyFromBase64(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestMigrateCommands(t *testing.T) {
	t.Setenv("HERALD_STORAGE_PATH", filepath.Join(t.TempDir(), "herald.db"))

	out, err := execute(t, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "pending")

	out, err = execute(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date")

	out, err = execute(t, "migrate", "status")
	require.NoError(t, err)
	assert.NotContains(t, out, "pending")
}

func TestMigrateRequiresSQLite(t *testing.T) {
	t.Setenv("HERALD_STORAGE_DRIVER", config.DriverMemory)

	_, err := execute(t, "migrate", "up")
	assert.ErrorIs(t, err, errNotSQLite)
}
