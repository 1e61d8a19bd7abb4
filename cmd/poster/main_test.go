package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/domain/progress"
	"scheduled_poster/internal/infra/config"
	"scheduled_poster/internal/infra/statefile"
)

type workspace struct {
	statePath string
}

// newWorkspace points every path and switch at a temp dir so the real
// environment cannot leak into a run.
func newWorkspace(t *testing.T, messages, hours string) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{statePath: filepath.Join(dir, "state.json")}

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	env := map[string]string{
		"MESSAGES_PATH":          write("tweets.txt", messages),
		"SCHEDULE_PATH":          write("hours.txt", hours),
		"STATE_BACKEND":          "file",
		"STATE_PATH":             w.statePath,
		"LOCK_PATH":              filepath.Join(dir, "state.lock"),
		"POST_PLATFORM":          "twitter",
		"TW_CONSUMER_KEY":        "",
		"TW_CONSUMER_SECRET":     "",
		"TW_ACCESS_TOKEN":        "",
		"TW_ACCESS_TOKEN_SECRET": "",
		"TW_API_BASE_URL":        "",
		"DRY_RUN":                "false",
		"FORCE_POST_NOW":         "false",
		"WINDOW_SECONDS":         "60",
		"TIMEZONE":               "UTC",
		"ON_EXHAUSTION":          "stop",
		"LOG_LEVEL":              "error",
		"ENVIRONMENT":            "development",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
	return w
}

func (w *workspace) withCredentials(t *testing.T, baseURL string) {
	t.Setenv("TW_CONSUMER_KEY", "ck")
	t.Setenv("TW_CONSUMER_SECRET", "cs")
	t.Setenv("TW_ACCESS_TOKEN", "at")
	t.Setenv("TW_ACCESS_TOKEN_SECRET", "as")
	t.Setenv("TW_API_BASE_URL", baseURL)
}

func (w *workspace) cursor(t *testing.T) int {
	t.Helper()
	s, err := statefile.NewFileRepository(w.statePath).Load(context.Background())
	require.NoError(t, err)
	return s.Cursor
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	// nil args make cobra fall back to os.Args
	cmd.SetArgs(append([]string{}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunExitsZeroForDecidedNoops(t *testing.T) {
	t.Run("not in window", func(t *testing.T) {
		w := newWorkspace(t, "A\nB\n", "# no slots yet\n")
		_, err := execute("--dry-run")
		require.NoError(t, err)
		assert.Equal(t, 0, exitCode(err))
		assert.NoFileExists(t, w.statePath)
	})

	t.Run("exhausted", func(t *testing.T) {
		w := newWorkspace(t, "", "09:00\n")
		_, err := execute("run", "--dry-run", "--force")
		require.NoError(t, err)
		assert.Equal(t, 0, exitCode(err))
		assert.NoFileExists(t, w.statePath)
	})
}

func TestRunForcedDryRunAdvances(t *testing.T) {
	w := newWorkspace(t, "A\nB\n", "# no slots yet\n")

	_, err := execute("run", "--dry-run", "--force")
	require.NoError(t, err)
	assert.Equal(t, 1, w.cursor(t))

	out, err := execute("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Cursor:     1")
	assert.Contains(t, out, "2 messages, 1 remaining")
}

func TestRunFlagsOverrideEnvironment(t *testing.T) {
	w := newWorkspace(t, "A\nB\n", "# no slots yet\n")
	t.Setenv("FORCE_POST_NOW", "true")
	t.Setenv("DRY_RUN", "true")

	_, err := execute("--force=false")
	require.NoError(t, err)
	assert.NoFileExists(t, w.statePath, "explicit --force=false wins over FORCE_POST_NOW")

	_, err = execute()
	require.NoError(t, err)
	assert.Equal(t, 1, w.cursor(t), "FORCE_POST_NOW applies when the flag is not given")
}

func TestRunExitsOneOnFailedPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"title":"Unauthorized","status":401,"detail":"Unauthorized"}`))
	}))
	t.Cleanup(srv.Close)

	w := newWorkspace(t, "A\nB\n", "# no slots yet\n")
	w.withCredentials(t, srv.URL)

	_, err := execute("run", "--force")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.True(t, errors.Is(err, post.ErrAuth), "got %v", err)
	assert.NoFileExists(t, w.statePath)
}

func TestRunExitsOneOnConfigErrors(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		newWorkspace(t, "A\n", "09:00\n")
		_, err := execute("run")
		require.Error(t, err)
		assert.Equal(t, 1, exitCode(err))
		assert.True(t, errors.Is(err, config.ErrConfig))
		assert.NotEmpty(t, errors.GetAllHints(err))
	})

	t.Run("unknown platform", func(t *testing.T) {
		newWorkspace(t, "A\n", "09:00\n")
		t.Setenv("POST_PLATFORM", "myspace")
		_, err := execute("--dry-run")
		require.Error(t, err)
		assert.True(t, errors.Is(err, config.ErrConfig))
	})
}

func TestRunExitsOneOnCorruptState(t *testing.T) {
	w := newWorkspace(t, "A\nB\n", "# no slots yet\n")
	require.NoError(t, os.WriteFile(w.statePath, []byte("{not json"), 0o644))

	_, err := execute("run", "--dry-run", "--force")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.True(t, errors.Is(err, progress.ErrCorruptState))

	raw, readErr := os.ReadFile(w.statePath)
	require.NoError(t, readErr)
	assert.Equal(t, "{not json", string(raw), "corrupt state is never overwritten")

	_, err = execute("reset", "--cursor", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.cursor(t))
}

func TestDaemonIgnoresForce(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	cfg := &config.AppConfig{ForcePostNow: true}

	disableForce(cfg, logrus.NewEntry(log))
	assert.False(t, cfg.ForcePostNow)
	assert.False(t, engineOptions(cfg).Force)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	hook.Reset()
	disableForce(cfg, logrus.NewEntry(log))
	assert.Empty(t, hook.Entries)
}

func TestNewPublisherKeepsConfigUntouched(t *testing.T) {
	cfg := &config.AppConfig{
		Platform: config.PlatformTelegram,
		DryRun:   true,
		Telegram: config.TelegramCredentials{Token: "123:abc"},
	}

	p, err := newPublisher(cfg)
	require.NoError(t, err)
	assert.Equal(t, "telegram", p.Name())
	assert.Empty(t, cfg.Telegram.Channel)
}
