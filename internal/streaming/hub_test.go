package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/taskforge/internal/common/logger"
)

func TestHubPublishDeliversToRegisteredClient(t *testing.T) {
	h := NewHub(logger.Default())
	go h.Run()
	defer h.Stop()

	cl := &client{id: "test", send: make(chan Event, 4)}
	h.register <- cl

	h.Publish(EventTaskCreated, map[string]string{"taskId": "a"})

	select {
	case ev := <-cl.send:
		require.Equal(t, EventTaskCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestHubClientCount(t *testing.T) {
	h := NewHub(logger.Default())
	go h.Run()
	defer h.Stop()

	require.Equal(t, 0, h.ClientCount())

	cl := &client{id: "test", send: make(chan Event, 1)}
	h.register <- cl
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- cl
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
