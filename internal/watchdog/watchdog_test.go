package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/agent"
	"github.com/overstory/overstory/internal/llm"
	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
	"github.com/overstory/overstory/internal/tmux"
)

type fakeSessions struct {
	alive   map[string]bool
	sent    map[string][]string
	capture string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: map[string]bool{}, sent: map[string][]string{}}
}

func (f *fakeSessions) CreateSession(ctx context.Context, name, cwd, command string) (int, error) {
	f.alive[name] = true
	return 1, nil
}

func (f *fakeSessions) ListSessions(ctx context.Context) ([]tmux.Session, error) { return nil, nil }

func (f *fakeSessions) KillSession(ctx context.Context, name string) error {
	delete(f.alive, name)
	return nil
}

func (f *fakeSessions) IsSessionAlive(ctx context.Context, name string) (bool, error) {
	return f.alive[name], nil
}

func (f *fakeSessions) SendKeys(ctx context.Context, name, text string) error {
	f.sent[name] = append(f.sent[name], text)
	return nil
}

func (f *fakeSessions) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	return f.capture, nil
}

type fakeLifecycle struct {
	agents   []*models.Agent
	toreDown []string
}

func (f *fakeLifecycle) List(ctx context.Context) ([]*models.Agent, error) {
	return f.agents, nil
}

func (f *fakeLifecycle) Teardown(ctx context.Context, name string) *agent.TeardownResult {
	f.toreDown = append(f.toreDown, name)
	return &agent.TeardownResult{Name: name}
}

type fakeTriager struct {
	decision llm.TriageDecision
	calls    int
}

func (f *fakeTriager) Triage(ctx context.Context, agentName, sessionTail string) (*llm.TriageDecision, error) {
	f.calls++
	d := f.decision
	return &d, nil
}

func newTestWatchdog(t *testing.T) (*Watchdog, *fakeSessions, *fakeLifecycle, *fakeTriager, store.Store, *time.Time) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "mail.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	sessions := newFakeSessions()
	lifecycle := &fakeLifecycle{}
	triager := &fakeTriager{decision: llm.TriageDecision{Action: llm.TriageRetry, Reason: "looks wedged"}}

	cfg := Config{
		Interval:        30 * time.Second,
		StaleThreshold:  300 * time.Second,
		ZombieThreshold: 600 * time.Second,
		LogDir:          filepath.Join(dir, "logs"),
	}
	w := New(s, sessions, lifecycle, triager, cfg, nil)

	// Anchor the fake clock at real now so store-assigned timestamps compare
	// sensibly against it.
	now := time.Now().UTC()
	clock := &now
	w.now = func() time.Time { return *clock }
	return w, sessions, lifecycle, triager, s, clock
}

func staleAgent(spawnedAt time.Time) *models.Agent {
	return &models.Agent{
		Name:        "impl",
		Capability:  models.CapabilityBuilder,
		TaskID:      "T1",
		SessionName: "overstory-impl",
		SpawnedAt:   spawnedAt,
	}
}

func TestScan_EscalationLadder(t *testing.T) {
	w, sessions, lifecycle, triager, _, clock := newTestWatchdog(t)
	ctx := context.Background()

	// Last activity is 310s old: past stale (300s), short of zombie (600s).
	a := staleAgent(clock.Add(-310 * time.Second))
	lifecycle.agents = []*models.Agent{a}
	sessions.alive[a.SessionName] = true
	sessions.capture = "$ waiting...\n"

	scan := func() Health {
		results := w.Scan(ctx)
		require.Len(t, results, 1)
		return results[0]
	}

	// Scan 1: level 0, just a log line.
	h := scan()
	assert.Equal(t, ConditionStale, h.Condition)
	assert.Equal(t, 0, h.Level)
	assert.Equal(t, "log", h.Action)
	assert.Empty(t, sessions.sent[a.SessionName])

	// Two more intervals: level 1, tmux nudge.
	scan()
	h = scan()
	assert.Equal(t, 1, h.Level)
	assert.Equal(t, "nudge", h.Action)
	assert.Len(t, sessions.sent[a.SessionName], 1)

	// Two more: level 2, AI triage (retry decision sends another nudge).
	scan()
	h = scan()
	assert.Equal(t, 2, h.Level)
	assert.Equal(t, "triage", h.Action)
	assert.Equal(t, 1, triager.calls)

	// Past the zombie threshold, two more: level 3, teardown.
	*clock = clock.Add(400 * time.Second)
	scan()
	h = scan()
	assert.Equal(t, ConditionZombie, h.Condition)
	assert.Equal(t, 3, h.Level)
	assert.Equal(t, "teardown", h.Action)
	assert.Equal(t, []string{"impl"}, lifecycle.toreDown)
}

func TestScan_NewMessageResetsLadder(t *testing.T) {
	w, sessions, lifecycle, _, s, clock := newTestWatchdog(t)
	ctx := context.Background()

	a := staleAgent(clock.Add(-310 * time.Second))
	lifecycle.agents = []*models.Agent{a}
	sessions.alive[a.SessionName] = true

	w.Scan(ctx)
	w.Scan(ctx)
	w.Scan(ctx) // level 1 by now

	// The agent wakes up and sends mail: condition drops to ok and the
	// ladder resets.
	require.NoError(t, s.SendMessage(ctx, &models.Message{From: "impl", To: "lead", Subject: "alive", Body: "working"}))

	results := w.Scan(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, ConditionOK, results[0].Condition)

	// Going stale again starts over at level 0.
	*clock = clock.Add(310 * time.Second)
	results = w.Scan(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, ConditionStale, results[0].Condition)
	assert.Equal(t, 0, results[0].Level)
}

func TestScan_DeadSessionWithoutWorkerDoneIsZombie(t *testing.T) {
	w, _, lifecycle, _, _, clock := newTestWatchdog(t)

	a := staleAgent(clock.Add(-10 * time.Second)) // recent activity, but dead session
	lifecycle.agents = []*models.Agent{a}

	results := w.Scan(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, ConditionZombie, results[0].Condition)
}

func TestScan_DeadSessionAfterWorkerDoneIsOK(t *testing.T) {
	w, _, lifecycle, _, s, clock := newTestWatchdog(t)
	ctx := context.Background()

	a := staleAgent(clock.Add(-10 * time.Second))
	lifecycle.agents = []*models.Agent{a}

	payload, err := mail.EncodePayload(mail.WorkerDonePayload{Branch: a.Branch, TaskID: a.TaskID, AgentName: a.Name})
	require.NoError(t, err)
	require.NoError(t, s.SendMessage(ctx, &models.Message{
		From: "impl", To: models.Orchestrator, Subject: "done",
		Type: models.TypeWorkerDone, Payload: payload,
	}))

	results := w.Scan(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, ConditionOK, results[0].Condition)
}

func TestScan_TriageTerminateTearsDown(t *testing.T) {
	w, sessions, lifecycle, triager, _, clock := newTestWatchdog(t)
	ctx := context.Background()
	triager.decision = llm.TriageDecision{Action: llm.TriageTerminate, Reason: "looping"}

	a := staleAgent(clock.Add(-310 * time.Second))
	lifecycle.agents = []*models.Agent{a}
	sessions.alive[a.SessionName] = true

	for range 5 {
		w.Scan(ctx) // fifth scan reaches level 2
	}
	assert.Equal(t, 1, triager.calls)
	assert.Equal(t, []string{"impl"}, lifecycle.toreDown)
}

func TestConfig_Validate(t *testing.T) {
	err := Config{StaleThreshold: 600 * time.Second, ZombieThreshold: 300 * time.Second}.Validate()
	assert.Error(t, err)

	err = Config{StaleThreshold: 300 * time.Second, ZombieThreshold: 600 * time.Second}.Validate()
	assert.NoError(t, err)
}

func TestCaptureTail_ArchivesStrippedCopy(t *testing.T) {
	w, sessions, _, _, _, _ := newTestWatchdog(t)

	sessions.capture = "\x1b[31mred error\x1b[0m\nplain line\n"
	a := staleAgent(time.Now())

	tail, err := w.captureTail(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "red error\nplain line\n", tail)

	archived, err := ReadArchivedTail(w.cfg.LogDir, "impl")
	require.NoError(t, err)
	assert.Equal(t, tail, archived)
}
