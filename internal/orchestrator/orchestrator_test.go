package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kopilin/inboxsink/internal/batch"
	"github.com/kopilin/inboxsink/internal/config"
	"github.com/kopilin/inboxsink/internal/ledger"
	"github.com/kopilin/inboxsink/internal/queue"
	"github.com/kopilin/inboxsink/internal/stager"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestOrchestrator builds an Orchestrator with a real stager, ledger,
// and queue but no vector sink or worker pool, sufficient to exercise
// runCycle, which never touches the sink directly.
func newTestOrchestrator(t *testing.T, queueCap int) *Orchestrator {
	t.Helper()
	base := t.TempDir()
	st, err := stager.New(filepath.Join(base, "wait"), filepath.Join(base, "run"), filepath.Join(base, "buggy"))
	require.NoError(t, err)

	led, err := ledger.Open(filepath.Join(base, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	cfg := &config.Config{
		Queue:  config.QueueConfig{MaxSize: queueCap},
		Worker: config.WorkerConfig{Threads: 2, PollInterval: 2 * time.Second},
	}

	return &Orchestrator{
		cfg:    cfg,
		log:    zerolog.Nop(),
		st:     st,
		led:    led,
		q:      queue.New(queueCap),
		listen: 1000,
	}
}

func writeMsg(t *testing.T, dir, name, mailID, userID string) {
	t.Helper()
	content := `{"mail_id":"` + mailID + `","user_id":"` + userID + `","received_time":"2026-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRunCycle_MovesToRunAndUpsertsAndEnqueues(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	writeMsg(t, o.st.WaitDir(), "m1.json", "m1", "a@acme.com")
	writeMsg(t, o.st.WaitDir(), "m2.json", "m2", "b@acme.com")

	o.runCycle(context.Background())

	require.Equal(t, 1, o.q.Len()) // one domain -> one batch
	entries, err := os.ReadDir(o.st.RunDir())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	counts, err := o.led.DomainCounts()
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.Equal(t, 2, counts[0].Total)
}

func TestRunCycle_ZeroCapacityNoOps(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	// fill the queue so capacity is zero
	require.NoError(t, o.q.Push(context.Background(), batch.Batch{Domain: "x.com"}))
	writeMsg(t, o.st.WaitDir(), "m1.json", "m1", "a@acme.com")

	o.runCycle(context.Background())

	entries, err := os.ReadDir(o.st.WaitDir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "file should remain untouched in wait/")
}

func TestRunCycle_UnresolvableDomainRoutesToBuggyWithoutEnqueue(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	require.NoError(t, os.WriteFile(filepath.Join(o.st.WaitDir(), "unresolvable.json"), []byte("not json"), 0o644))

	o.runCycle(context.Background())

	require.Equal(t, 0, o.q.Len())
	require.FileExists(t, filepath.Join(o.st.BuggyDir(), "unresolvable.json"))
}

func TestPollLoop_ReturnsWhenContextCanceled(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	// No workers registered (pool is nil); exercise only the poll-loop side
	// by canceling immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o.pollLoop(ctx) // should return immediately without blocking
}
