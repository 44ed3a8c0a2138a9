package live

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/record"
	"github.com/estuarydb/estuary/internal/testutil"
)

type captureApplier struct {
	applied chan []change.Batch
}

func (a *captureApplier) ApplyInbound(ctx context.Context, batches []change.Batch) error {
	a.applied <- batches
	return nil
}

// startHub runs a hub behind an httptest server and returns a connected
// peer.
func startHub(t *testing.T, cfg HubConfig) (*Hub, *websocket.Conn) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutil.SilentLogger()
	}

	hub := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == 1 },
		time.Second, 5*time.Millisecond)
	return hub, conn
}

func TestHub_BroadcastReachesPeer(t *testing.T) {
	hub, conn := startHub(t, HubConfig{})

	hub.BroadcastChanges([]change.Batch{{
		Store: "orders",
		Changes: []change.Change{
			change.Set(record.New("o-1", record.Fields{"item": "widget"})),
			change.Delete("o-2"),
		},
	}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageChanges, msg.Type)
	require.Len(t, msg.Batches, 1)
	assert.Equal(t, "orders", msg.Batches[0].Store)
	require.Len(t, msg.Batches[0].Changes, 2)
	assert.Equal(t, change.KindSet, msg.Batches[0].Changes[0].Kind)
	assert.Equal(t, "widget", msg.Batches[0].Changes[0].Record.Fields["item"])
	assert.Equal(t, change.KindDelete, msg.Batches[0].Changes[1].Kind)
}

func TestHub_InboundApplyReachesApplier(t *testing.T) {
	applier := &captureApplier{applied: make(chan []change.Batch, 1)}
	_, conn := startHub(t, HubConfig{Applier: applier})

	frame, err := json.Marshal(Message{
		Type: MessageApply,
		Batches: []change.Batch{{
			Store:   "orders",
			Changes: []change.Change{change.Modify("o-1", record.Fields{"status": "shipped"})},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case batches := <-applier.applied:
		require.Len(t, batches, 1)
		assert.Equal(t, "orders", batches[0].Store)
		assert.Equal(t, change.KindModify, batches[0].Changes[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("applier never received the batch")
	}
}

func TestHub_InvalidFrameDoesNotKillConnection(t *testing.T) {
	applier := &captureApplier{applied: make(chan []change.Batch, 1)}
	_, conn := startHub(t, HubConfig{Applier: applier})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	frame, err := json.Marshal(Message{
		Type: MessageApply,
		Batches: []change.Batch{{
			Store:   "orders",
			Changes: []change.Change{change.Delete("o-1")},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case batches := <-applier.applied:
		assert.Equal(t, change.KindDelete, batches[0].Changes[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the invalid frame")
	}
}

func TestHub_ShutdownClosesPeers(t *testing.T) {
	hub := NewHub(HubConfig{Logger: testutil.SilentLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()

	// The connected peer is closed out rather than left hanging.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	// A connection arriving after shutdown is closed immediately instead
	// of blocking on registration.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		late.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = late.ReadMessage()
		assert.Error(t, err)
		late.Close()
	}
}

func TestDecodeMessage_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing type", `{"batches":[]}`},
		{"batch without store", `{"type":"apply","batches":[{"changes":[]}]}`},
		{"set without record", `{"type":"apply","batches":[{"store":"s","changes":[{"kind":"set","id":"x"}]}]}`},
		{"unknown kind", `{"type":"apply","batches":[{"store":"s","changes":[{"kind":"upsert","id":"x"}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMessage([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
