package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamClient_Filter(t *testing.T) {
	client := &StreamClient{tags: make(map[string]bool)}
	results := []models.CalculationResult{
		{VirtualTagID: "VT_A"},
		{VirtualTagID: "VT_B"},
	}

	assert.Len(t, client.filter(results), 2, "no subscription means everything")

	client.Subscribe("VT_B", "")
	filtered := client.filter(results)
	require.Len(t, filtered, 1)
	assert.Equal(t, "VT_B", filtered[0].VirtualTagID)
	assert.Equal(t, []string{"VT_B"}, client.Tags())

	client.Unsubscribe("VT_B")
	assert.Empty(t, client.Tags())
}

func TestStreamService_BroadcastBatch(t *testing.T) {
	stream := NewStreamService(nil, utils.NewNopLogger())
	defer stream.Close()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream.RegisterClient(conn, "operator", []string{"VT_A"})
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return stream.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	tick := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stream.BroadcastBatch(&BatchReport{
		ID:   "batch-1",
		Tick: tick,
		Results: []models.CalculationResult{
			{Time: tick, VirtualTagID: "VT_A", Value: value(1)},
			{Time: tick, VirtualTagID: "VT_B", Value: value(2)},
		},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, StreamMessageBatch, msg.Type)
	assert.Equal(t, "batch-1", msg.BatchID)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, "VT_A", msg.Results[0].VirtualTagID)

	conn.Close()
	require.Eventually(t, func() bool { return stream.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
