package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgw/browser-gateway/internal/queue"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// newTestPair stands up a real websocket server, via httptest, upgrading
// every request into the given link, and dials a client against it so
// tests exercise genuine frame round-trips rather than a mocked conn.
func newTestPair(t *testing.T, l *BrowserAgentLink) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		l.Accept(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	// Give the server goroutine a moment to call Accept.
	time.Sleep(20 * time.Millisecond)
	return client
}

func TestSendDeliversFrameToAgent(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	err := l.Send(OutboundDescriptor{RequestID: "r1", Path: "/v1/chat/completions", Method: "POST"})
	require.NoError(t, err)

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"r1"`)
	assert.Contains(t, string(data), `"path":"/v1/chat/completions"`)
}

func TestRouteChunkEnqueuesFrame(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	q := l.OpenQueue("r1")

	require.NoError(t, client.WriteJSON(InboundEvent{RequestID: "r1", EventType: EventChunk, Data: "hello"}))

	f, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindChunk, f.Kind)
	assert.Equal(t, "hello", f.Data)
}

func TestRouteResponseHeadersThenStreamClose(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	q := l.OpenQueue("r1")
	require.NoError(t, client.WriteJSON(InboundEvent{RequestID: "r1", EventType: EventResponseHeaders, Status: 200}))
	require.NoError(t, client.WriteJSON(InboundEvent{RequestID: "r1", EventType: EventStreamClose}))

	f1, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindResponseHeaders, f1.Kind)
	assert.Equal(t, 200, f1.Status)

	f2, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindStreamEnd, f2.Kind)
}

func TestRouteErrorEvent(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	q := l.OpenQueue("r1")
	require.NoError(t, client.WriteJSON(InboundEvent{RequestID: "r1", EventType: EventError, Message: "upstream exploded"}))

	f, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindError, f.Kind)
	assert.Equal(t, "upstream exploded", f.Data)
}

func TestFrameForUnregisteredRequestIsDropped(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	// No OpenQueue call for "ghost" — route must not panic.
	require.NoError(t, client.WriteJSON(InboundEvent{RequestID: "ghost", EventType: EventChunk, Data: "x"}))
	time.Sleep(20 * time.Millisecond)

	assert.True(t, l.HasLiveConnection())
}

func TestReconnectWithinGraceKeepsQueueAlive(t *testing.T) {
	orig := reconnectGrace
	reconnectGrace = 150 * time.Millisecond
	defer func() { reconnectGrace = orig }()

	l := New(testLogger(), nil)
	client := newTestPair(t, l)
	q := l.OpenQueue("r1")

	client.Close()
	time.Sleep(30 * time.Millisecond)

	// Still within grace: queue must not be closed yet.
	_, err := q.Dequeue(10 * time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrTimeout)

	// Reconnect before grace expires.
	newTestPair(t, l)
	time.Sleep(200 * time.Millisecond)

	_, err = q.Dequeue(10 * time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrTimeout)
	assert.True(t, l.HasLiveConnection())
}

func TestSendRebindSucceedsOnAck(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	done := make(chan error, 1)
	go func() {
		done <- l.SendRebind(context.Background(), 2, []byte(`{"accountName":"b"}`))
	}()

	var cmd RebindCommand
	require.NoError(t, client.ReadJSON(&cmd))
	assert.Equal(t, 2, cmd.CredentialIndex)

	require.NoError(t, client.WriteJSON(InboundEvent{EventType: EventRebindResult, CredentialIndex: 2, Success: true}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendRebind did not return")
	}
}

func TestSendRebindFailsOnNack(t *testing.T) {
	l := New(testLogger(), nil)
	client := newTestPair(t, l)

	done := make(chan error, 1)
	go func() {
		done <- l.SendRebind(context.Background(), 3, nil)
	}()

	var cmd RebindCommand
	require.NoError(t, client.ReadJSON(&cmd))

	require.NoError(t, client.WriteJSON(InboundEvent{EventType: EventRebindResult, CredentialIndex: 3, Success: false, Message: "login expired"}))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "login expired")
	case <-time.After(time.Second):
		t.Fatal("SendRebind did not return")
	}
}

func TestReconnectGraceExpiryFailsInFlightRequests(t *testing.T) {
	orig := reconnectGrace
	reconnectGrace = 50 * time.Millisecond
	defer func() { reconnectGrace = orig }()

	var lostCalled atomic.Bool
	l := New(testLogger(), func() { lostCalled.Store(true) })
	client := newTestPair(t, l)
	q := l.OpenQueue("r1")

	client.Close()
	time.Sleep(150 * time.Millisecond)

	_, err := q.Dequeue(time.Second)
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.True(t, lostCalled.Load())
	assert.False(t, l.HasLiveConnection())
}
