package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/tabsync"
	"github.com/aixgo-dev/tabsync/pkg/bus"
	"github.com/aixgo-dev/tabsync/pkg/config"
	"github.com/aixgo-dev/tabsync/pkg/session"
	"github.com/aixgo-dev/tabsync/pkg/store"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, storeDir string) string {
	t.Helper()

	cfg := `
bus:
  transport: hub
  fallback: none
store:
  backend: file
  base_dir: ` + storeDir + `
observability:
  metrics_addr: ""
logging:
  level: error
`
	path := filepath.Join(t.TempDir(), "tabsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func TestPurgeRequiresUser(t *testing.T) {
	t.Setenv("TABSYNC_USER", "")

	_, _, err := executeCLI(t, "purge", "--config", writeConfig(t, t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a user is required")
}

func TestPurgeRemovesRecords(t *testing.T) {
	ctx := context.Background()
	storeDir := t.TempDir()

	backend, err := store.NewFileBackend(storeDir)
	require.NoError(t, err)
	for _, p := range []store.Payload{
		&store.DraftResponse{Text: "half an answer"},
		&store.Preferences{},
	} {
		rec, err := store.NewRecord("u1", p, time.Now())
		require.NoError(t, err)
		require.NoError(t, backend.Put(ctx, rec))
	}
	other, err := store.NewRecord("u2", &store.DraftResponse{Text: "keep"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, other))

	stdout, _, err := executeCLI(t, "purge", "--config", writeConfig(t, storeDir), "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "removed 2 records for u1")

	left, err := backend.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
	kept, err := backend.List(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestPurgeBadConfig(t *testing.T) {
	_, _, err := executeCLI(t, "purge", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--user", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func newTestShell(t *testing.T, hub *bus.Hub, backend store.Backend) (*shell, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	cfg.Bus.Transport = config.TransportHub
	cfg.Bus.Fallback = config.FallbackNone
	cfg.Store.Backend = config.BackendMemory
	cfg.Observability.MetricsAddr = ""

	logger, _ := test.NewNullLogger()
	rt, err := tabsync.New(cfg, tabsync.WithLogger(logger), tabsync.WithHub(hub))
	require.NoError(t, err)
	require.NoError(t, rt.Init(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	// Share one backend between shells, as contexts of one origin do.
	st := store.NewWithBackend(backend)
	m := session.NewManager(st, rt.Bus(), session.WithLogger(logger))
	t.Cleanup(func() { _ = m.Close() })

	out := &bytes.Buffer{}
	sh, err := newShell(session.ContextWithManager(context.Background(), m), "u1", rt.Bus(), out)
	require.NoError(t, err)
	return sh, out
}

func run(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	done, err := sh.exec(line)
	require.NoError(t, err, line)
	require.False(t, done, line)
	return out.String()
}

func TestShellSessionCommands(t *testing.T) {
	sh, out := newTestShell(t, bus.NewHub(), store.NewMemoryBackend())

	assert.Contains(t, run(t, sh, out, "get"), "no active session")
	assert.Contains(t, run(t, sh, out, "start Math self_study t1"), "Math (self_study, task t1")
	assert.Contains(t, run(t, sh, out, "update subject=Biology title=Cells and tissues"), "Biology (self_study, task t1")

	sess, err := sh.m.GetSession(sh.ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sess.TaskTitle)
	assert.Equal(t, "Cells and tissues", *sess.TaskTitle)

	assert.Contains(t, run(t, sh, out, "update notask"), "task -")
	assert.Contains(t, run(t, sh, out, "keepalive"), "Biology")
	assert.Contains(t, run(t, sh, out, "abandoned 1h"), "not abandoned")
	assert.Contains(t, run(t, sh, out, "clear"), "session cleared")
	assert.Contains(t, run(t, sh, out, "get"), "no active session")
	assert.Contains(t, run(t, sh, out, "help"), "clear-all")
	assert.Contains(t, run(t, sh, out, "presence"), "transport: native")
	assert.Contains(t, run(t, sh, out, "clear-all"), "removed 0 records")

	run(t, sh, out, "user u2")
	assert.Equal(t, "u2", sh.user)
}

func TestShellErrors(t *testing.T) {
	sh, _ := newTestShell(t, bus.NewHub(), store.NewMemoryBackend())

	for _, line := range []string{
		"start",
		"start Math binge",
		"update subject",
		"update colour=red",
		"update mode=binge",
		"abandoned soon",
		"abandoned 0s",
		"user",
		"dance",
	} {
		_, err := sh.exec(line)
		assert.Error(t, err, line)
	}

	_, err := sh.exec("update subject=Art")
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	done, err := sh.exec("   ")
	assert.NoError(t, err)
	assert.False(t, done)
}

func TestShellExitConfirmation(t *testing.T) {
	sh, out := newTestShell(t, bus.NewHub(), store.NewMemoryBackend())

	done, err := sh.exec("exit")
	require.NoError(t, err)
	assert.True(t, done, "no session, no question")

	run(t, sh, out, "start Math")

	var asked []string
	sh.confirm = func(prompt string) bool {
		asked = append(asked, prompt)
		return false
	}
	done, err = sh.exec("exit")
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, asked, 1)

	sh.confirm = func(string) bool { return true }
	done, err = sh.exec("quit")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestShellFollowsOtherContext(t *testing.T) {
	hub := bus.NewHub()
	backend := store.NewMemoryBackend()

	a, aOut := newTestShell(t, hub, backend)
	b, _ := newTestShell(t, hub, backend)

	var buf syncBuffer
	b.out = &buf
	stop := b.follow()
	defer stop()

	run(t, a, aOut, "start History")

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "* start by "+string(a.bus.Identity()))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestParsePatch(t *testing.T) {
	p, err := parsePatch("update")
	require.NoError(t, err)
	assert.True(t, p.Empty())

	p, err = parsePatch("update   task=t9 mode=assigned title=A  long title ")
	require.NoError(t, err)
	assert.Equal(t, "t9", *p.TaskID)
	assert.Equal(t, session.EntryModeAssigned, *p.EntryMode)
	assert.Equal(t, "A  long title", *p.TaskTitle)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	now := time.Now()
	clock := func() time.Time { return now }
	m := session.NewManager(store.NewWithBackend(store.NewMemoryBackend()), &silentBus{id: bus.NewIdentity()},
		session.WithLogger(logger), session.WithClock(clock))

	for _, u := range []string{"idle", "busy"} {
		_, err := m.StartSession(ctx, u, session.StartOptions{Subject: "Math"})
		require.NoError(t, err)
	}
	now = now.Add(20 * time.Minute)
	_, err := m.KeepAlive(ctx, "busy")
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)

	assert.Equal(t, 1, sweep(ctx, m, []string{"idle", "busy", "nobody"}, 30*time.Minute, logger))

	idle, err := m.IsActive(ctx, "idle")
	require.NoError(t, err)
	assert.False(t, idle)
	busy, err := m.IsActive(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, busy)
}

type silentBus struct{ id bus.Identity }

func (b *silentBus) Identity() bus.Identity                 { return b.id }
func (b *silentBus) Send(bus.Message) error                 { return nil }
func (b *silentBus) Subscribe(bus.Kind, bus.Handler) func() { return func() {} }
func (b *silentBus) HasMultipleContexts() bool              { return false }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
