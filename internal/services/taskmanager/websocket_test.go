package taskmanager

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/models"
)

func dialTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(common.NewSilentLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func TestHubBroadcastsJobEvents(t *testing.T) {
	hub, conn := dialTestHub(t)

	// Let the registration reach the hub loop before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(&models.JobEvent{
		Type:      models.EventJobCompleted,
		Job:       &models.Job{ID: "j1", Type: "email", Status: models.JobStatusCompleted},
		QueueSize: 2,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var event models.JobEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != models.EventJobCompleted || event.Job.ID != "j1" {
		t.Errorf("event = %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Error("timestamp should be stamped on broadcast")
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	hub, conn := dialTestHub(t)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read should fail after hub stop")
	}

	// Safe to broadcast after stop; the event is dropped.
	hub.Broadcast(&models.JobEvent{Type: models.EventJobQueued})
}
