package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Record(Event{
		Action:       ActionTaskCreated,
		ActorType:    ActorUser,
		ActorID:      "alice",
		ResourceType: "task",
		ResourceID:   "t-1",
		Metadata:     map[string]any{"project": "webapp"},
	})
	require.NoError(t, err)

	_, err = l.Record(Event{Action: ActionAgentSpawn, ActorID: "orchestrator"})
	require.NoError(t, err)

	entries, err := l.Query(Filter{Action: string(ActionTaskCreated)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "alice", e.ActorID)
	assert.Equal(t, ActorUser, e.ActorType)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.Equal(t, "webapp", e.Metadata["project"])
	assert.NotEmpty(t, e.EntryHash)

	// Defaults applied when event fields are empty.
	entries, err = l.Query(Filter{Action: string(ActionAgentSpawn)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActorSystem, entries[0].ActorType)
}

func TestHashChainLinksEntries(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := l.Record(Event{Action: ActionServerStarted})
		require.NoError(t, err)
	}

	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Query returns newest first; chain reads oldest to newest.
	assert.Empty(t, entries[2].PrevHash)
	assert.Equal(t, entries[2].EntryHash, entries[1].PrevHash)
	assert.Equal(t, entries[1].EntryHash, entries[0].PrevHash)
}

func TestVerifyIntegrity(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 5; i++ {
		_, err := l.Record(Event{Action: ActionTaskCompleted, ActorID: "agent"})
		require.NoError(t, err)
	}

	ok, detail, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, detail)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := l.Record(Event{Action: ActionTaskCreated})
		require.NoError(t, err)
	}

	_, err := l.db.Exec("UPDATE audit_log SET actor_id = 'mallory' WHERE id = 2")
	require.NoError(t, err)

	ok, detail, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, detail, "entry 2")
}

func TestChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	l, err := Open(path, nil)
	require.NoError(t, err)
	_, err = l.Record(Event{Action: ActionServerStarted})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path, nil)
	require.NoError(t, err)
	defer l2.Close()
	_, err = l2.Record(Event{Action: ActionServerStopped})
	require.NoError(t, err)

	ok, detail, err := l2.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok, detail)
}

func TestCountAndTimeFilters(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Record(Event{Action: ActionSecurityRateLimit})
	require.NoError(t, err)
	_, err = l.Record(Event{Action: ActionSecurityRateLimit})
	require.NoError(t, err)

	n, err := l.Count(string(ActionSecurityRateLimit), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Count(string(ActionSecurityRateLimit), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
