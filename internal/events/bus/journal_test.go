package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/events"
)

func TestJournalRecordsPublishedEvents(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	j, err := OpenJournal(filepath.Join(t.TempDir(), "logs.db"), b)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, Emit(context.Background(), b, events.AgentSpawned, "webapp", map[string]any{"pid": 7}))
	require.NoError(t, Emit(context.Background(), b, events.TaskCompleted, "webapp", nil))

	// Journal writes happen on the subscriber goroutine.
	var recent []*Event
	require.Eventually(t, func() bool {
		recent, err = j.Recent(10)
		return err == nil && len(recent) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Newest first.
	assert.Equal(t, events.TaskCompleted, recent[0].Type)
	assert.Equal(t, events.AgentSpawned, recent[1].Type)
	assert.Equal(t, "webapp", recent[1].Project)
	assert.Equal(t, float64(7), recent[1].Data["pid"])
}
