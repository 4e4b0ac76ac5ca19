package natsstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	assert.Equal(t, "agent_tasks_a1", token("agent_tasks:a1"))
	assert.Equal(t, "a_b_c_d", token("a.b*c>d"))
	assert.Equal(t, "agent_tasks_a1__agent_a1", consumerName("agent_tasks:a1", "agent_a1"))
}

// Runs against a live server only when TASKFORGE_NATS_URL is set.
func TestStreams_RoundTrip(t *testing.T) {
	url := os.Getenv("TASKFORGE_NATS_URL")
	if url == "" {
		t.Skip("TASKFORGE_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Connect(ctx, url, "taskforge_test_"+time.Now().Format("150405"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateGroup(ctx, "agent_tasks:a1", "agent_a1"))
	id, err := s.StreamAdd(ctx, "agent_tasks:a1", map[string]string{"type": "task", "task_id": "t1"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, "agent_tasks:a1", "agent_a1", "c1", 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "t1", msgs[0].Fields["task_id"])
	require.NoError(t, s.Ack(ctx, "agent_tasks:a1", "agent_a1", msgs[0].ID))
}
