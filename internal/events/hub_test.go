package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for _, key := range []string{"A-1", "A-2", "A-3", "A-4"} {
		h.Publish(SessionAdmitted, map[string]string{"key": key})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(2), snap[0].ID)
	assert.Equal(t, int64(4), snap[2].ID)

	var data map[string]string
	require.NoError(t, json.Unmarshal(snap[2].Data, &data))
	assert.Equal(t, "A-4", data["key"])

	since := h.SnapshotSince(3)
	require.Len(t, since, 1)
	assert.Equal(t, int64(4), since[0].ID)
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()

	h.Publish(SessionEvicted, nil)
	ev := <-ch
	assert.Equal(t, SessionEvicted, ev.Type)
	assert.Equal(t, "{}", string(ev.Data))

	cancel()
	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	// Publishing after unsubscribe must not panic.
	h.Publish(SessionPruned, nil)
	cancel()
}

func TestHubLastID(t *testing.T) {
	h := NewHub(2)
	assert.Equal(t, int64(0), h.LastID())

	for range 3 {
		h.Publish(JobStarted, nil)
	}
	assert.Equal(t, int64(3), h.LastID())
	assert.Len(t, h.SnapshotSince(0), 2)
}
