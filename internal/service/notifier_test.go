package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifierKeepsRecentMessages(t *testing.T) {
	n := NewNotifier(3, zap.NewNop())

	for _, text := range []string{"a", "b", "c", "d"} {
		n.Publish(Message{Level: LevelInfo, Text: text})
	}

	recent := n.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Text)
	assert.Equal(t, "d", recent[2].Text)

	last := n.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "d", last[0].Text)
	assert.NotEmpty(t, last[0].ID)
	assert.False(t, last[0].Time.IsZero())
}

func TestNotifierFanOut(t *testing.T) {
	n := NewNotifier(10, zap.NewNop())
	first, cancelFirst := n.Subscribe()
	second, cancelSecond := n.Subscribe()
	defer cancelSecond()

	sent := n.Publish(Message{Level: LevelSuccess, Text: "done"})
	assert.Equal(t, sent.ID, (<-first).ID)
	assert.Equal(t, sent.ID, (<-second).ID)

	cancelFirst()
	_, open := <-first
	assert.False(t, open)

	n.Publish(Message{Level: LevelInfo, Text: "again"})
	assert.Equal(t, "again", (<-second).Text)
}
