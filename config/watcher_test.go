package config

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *changeRecorder) record(ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *changeRecorder) snapshot() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.events...)
}

func startWatcher(t *testing.T, path string, rec *changeRecorder) *Watcher {
	t.Helper()
	w := NewWatcher(NewFileSource(path), rec.record,
		WithWatchDebounce(20*time.Millisecond),
		WithWatchLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	rec := &changeRecorder{}
	startWatcher(t, path, rec)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := rec.snapshot()[0]
	assert.Equal(t, path, ev.Path)
	assert.NotEqual(t, ev.OldHash, ev.NewHash)
	require.NotNil(t, ev.Config)
	assert.Equal(t, "debug", ev.Config.Log.Level)
}

func TestWatcher_IgnoresInvalidAndUnchanged(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	rec := &changeRecorder{}
	startWatcher(t, path, rec)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o600))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "error", rec.snapshot()[0].Config.Log.Level)
}

func TestWatcher_StartMissingFile(t *testing.T) {
	w := NewWatcher(NewFileSource("/nonexistent/config.yaml"), func(ChangeEvent) {})
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
}
