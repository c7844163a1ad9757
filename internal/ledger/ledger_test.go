package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestUpsertPending_ThenMarkSuccess(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, l.UpsertPending("m1", "a@ex.com", "ex.com", now))
	require.NoError(t, l.MarkSuccess("m1"))

	counts, err := l.DomainCounts()
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.Equal(t, "ex.com", counts[0].Domain)
	require.Equal(t, 1, counts[0].Total)
	require.Equal(t, 1, counts[0].Completed)
	require.Equal(t, 1, counts[0].Succeeded)
}

func TestMarkFailure_RecordsErrorMessage(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	require.NoError(t, l.UpsertPending("m1", "a@ex.com", "ex.com", now))
	require.NoError(t, l.MarkFailure("m1", "parse error: bad json"))

	counts, err := l.DomainCounts()
	require.NoError(t, err)
	require.Equal(t, 1, counts[0].Completed)
	require.Equal(t, 0, counts[0].Succeeded)
}

func TestUpsertPendingBatch_Transactional(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	rows := []Row{
		{MailID: "m1", UserID: "a@ex.com", Domain: "ex.com", ReceivedTime: now},
		{MailID: "m2", UserID: "b@ex.com", Domain: "ex.com", ReceivedTime: now},
	}
	require.NoError(t, l.UpsertPendingBatch(rows))

	counts, err := l.DomainCounts()
	require.NoError(t, err)
	require.Equal(t, 2, counts[0].Total)
}

func TestMarkBatch_MixedOutcomes(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	require.NoError(t, l.UpsertPendingBatch([]Row{
		{MailID: "m1", UserID: "a@ex.com", Domain: "ex.com", ReceivedTime: now},
		{MailID: "m2", UserID: "a@ex.com", Domain: "ex.com", ReceivedTime: now},
	}))

	require.NoError(t, l.MarkBatch([]Outcome{
		{MailID: "m1", Success: true},
		{MailID: "m2", Success: false, Error: "import failed"},
	}))

	counts, err := l.DomainCounts()
	require.NoError(t, err)
	require.Equal(t, 2, counts[0].Completed)
	require.Equal(t, 1, counts[0].Succeeded)
}

func TestUpsertPending_OverwritesPreviousAttempt(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	require.NoError(t, l.UpsertPending("m1", "a@ex.com", "ex.com", now))
	require.NoError(t, l.MarkFailure("m1", "transient"))

	// re-enqueued on a later cycle
	require.NoError(t, l.UpsertPending("m1", "a@ex.com", "ex.com", now))
	counts, err := l.DomainCounts()
	require.NoError(t, err)
	require.Equal(t, 0, counts[0].Completed)
}

func TestUserCounts_And_LatestCompletionTime(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, l.UpsertPending("m1", "a@ex.com", "ex.com", now))
	require.NoError(t, l.MarkSuccess("m1"))

	users, err := l.UserCounts()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "a@ex.com", users[0].UserID)

	latest, err := l.LatestCompletionTime()
	require.NoError(t, err)
	require.WithinDuration(t, now, latest, time.Second)
}

func TestLatestCompletionTime_EmptyLedger(t *testing.T) {
	l := openTestLedger(t)
	latest, err := l.LatestCompletionTime()
	require.NoError(t, err)
	require.True(t, latest.IsZero())
}
