package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/app"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/mailer"
)

func newApp(t *testing.T, providerURL string) *app.App {
	t.Helper()
	if providerURL == "" {
		providerURL = "http://127.0.0.1:1"
	}
	cfg := config.Config{
		StorageDriver:     config.DriverMemory,
		SecretKeyMaterial: "cli-test-key",
		ProviderBaseURL:   providerURL,
		ProviderTimeout:   time.Second,
		SchedulerTick:     time.Second,
	}
	s := config.DefaultSettings()
	s.FromEmail = "noreply@example.com"
	a, err := app.Build(context.Background(), cfg, s, zap.NewNop())
	require.NoError(t, err)
	return a
}

func run(t *testing.T, a *app.App, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(Config{
		Build:        func(context.Context) (*app.App, error) { return a, nil },
		OutputWriter: &out,
	})
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	err := root.Execute()
	return out.String(), err
}

func TestQueueCommands(t *testing.T) {
	a := newApp(t, "")

	out, err := run(t, a, "", "queue", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "BACKEND")
	assert.Contains(t, out, "memory")

	out, err = run(t, a, "", "queue", "run", "-o", "json")
	require.NoError(t, err)
	var rep map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.EqualValues(t, 0, rep["processed"])

	out, err = run(t, a, "", "queue", "purge", "--older-than", "1h")
	require.NoError(t, err)
	assert.Equal(t, "deleted 0 jobs\n", out)

	out, err = run(t, a, "", "retry-failed", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ATTEMPTED")
}

func TestSecretAndTokenVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Postmark-Server-Token") != "server-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ErrorCode":10,"Message":"bad token"}`))
			return
		}
		switch r.URL.Path {
		case "/server":
			_, _ = w.Write([]byte(`{"Name":"Production"}`))
		case "/message-streams":
			_, _ = w.Write([]byte(`{"MessageStreams":[{"ID":"outbound"},{"ID":"broadcast"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	a := newApp(t, srv.URL)

	_, err := run(t, a, "", "token", "verify")
	assert.ErrorContains(t, err, "no provider token")

	out, err := run(t, a, "server-token\n", "secret", "set", config.SecretProviderToken)
	require.NoError(t, err)
	assert.Contains(t, out, "****oken")
	assert.Contains(t, out, "encrypted: true")

	out, err = run(t, a, "", "token", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "server: Production")
	assert.Contains(t, out, "outbound, broadcast")

	_, err = run(t, a, "", "secret", "clear", config.SecretProviderToken)
	require.NoError(t, err)
	s, err := a.Settings.Settings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.ProviderToken)

	_, err = run(t, a, "", "secret", "set", "database_password", "x")
	assert.ErrorContains(t, err, "unknown secret")
	_, err = run(t, a, "", "secret", "set", config.SecretWebhookSecret, "  ")
	assert.ErrorContains(t, err, "empty")
}

func TestLogsExport(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, "")
	require.NoError(t, a.Secrets.Set(ctx, config.SecretProviderToken, "tok"))
	s, err := a.Settings.Settings(ctx)
	require.NoError(t, err)
	for _, subject := range []string{"Welcome", "Reset password"} {
		// the provider is unreachable, so both sends are logged as failed
		res := a.Interceptor.Send(ctx, s, mailer.Message{To: []string{"user@example.com"}, Subject: subject, Body: "hi"})
		require.Equal(t, mailer.Failed, res.Outcome)
	}

	out, err := run(t, a, "", "logs", "export", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset password")
	assert.Contains(t, out, "Welcome")

	path := filepath.Join(t.TempDir(), "logs.csv")
	out, err = run(t, a, "", "logs", "export", "--format", "csv", "--search", "reset", "--output-file", path)
	require.NoError(t, err)
	assert.Equal(t, "wrote 1 entries to "+path+"\n", out)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,created_at,status"))

	_, err = run(t, a, "", "logs", "export", "--format", "yaml")
	assert.ErrorContains(t, err, "unknown export format")
	_, err = run(t, a, "", "logs", "export", "--date-from", "yesterday")
	assert.Error(t, err)
}

func TestHealthAndStats(t *testing.T) {
	a := newApp(t, "")

	out, err := run(t, a, "", "health", "-o", "json")
	require.NoError(t, err)
	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Equal(t, true, h["ok"])

	out, err = run(t, a, "", "queue", "status", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: memory")

	_, err = run(t, a, "", "stats", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")

	out, err = run(t, a, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "DEAD_LETTER")
}
