package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/woodshed-app/shedsync/internal/engine"
	"github.com/woodshed-app/shedsync/internal/manager"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Addr:   "localhost:0", // random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func dialTest(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := startTestServer(t)
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestWebSocketHello(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTest(t, ctx, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeHello {
		t.Errorf("Expected hello message, got %s", msg.Type)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		conn := dialTest(t, ctx, server)
		readMessage(t, ctx, conn) // hello
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestBroadcastResult(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTest(t, ctx, server)
	readMessage(t, ctx, conn) // hello

	server.BroadcastResult(&engine.Result{Uploaded: 2, Downloaded: 1, Merged: 1})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeCycleComplete {
		t.Fatalf("Expected cycle_complete, got %s", msg.Type)
	}

	var data CycleCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if data.Uploaded != 2 || data.Downloaded != 1 || data.Merged != 1 {
		t.Errorf("Broadcast data = %+v, want the cycle counts", data)
	}
}

func TestAttachForwardsCycleResults(t *testing.T) {
	server := startTestServer(t)

	m := manager.NewManager(manager.Config{Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(m.Dispose)
	detach := server.Attach(m)
	t.Cleanup(detach)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTest(t, ctx, server)
	readMessage(t, ctx, conn) // hello

	m.Bus().Publish(manager.Event{
		Name:   manager.EventSyncResult,
		Result: &engine.Result{Uploaded: 3, Conflicts: 1},
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeCycleComplete {
		t.Fatalf("Expected cycle_complete, got %s", msg.Type)
	}
	var data CycleCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if data.Uploaded != 3 || data.Conflicts != 1 {
		t.Errorf("Forwarded data = %+v, want the cycle counts", data)
	}
}
