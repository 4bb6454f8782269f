package agentsim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgw/browser-gateway/internal/link"
	"github.com/llmgw/browser-gateway/internal/queue"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// newGatewaySide stands up an httptest websocket server playing the
// gateway's role, wired to a real link.BrowserAgentLink, mirroring
// link_test.go's own server-side fixture.
func newGatewaySide(t *testing.T) (*link.BrowserAgentLink, string) {
	t.Helper()
	l := link.New(testLogger(), nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		l.Accept(conn)
	}))
	t.Cleanup(srv.Close)
	return l, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAgentServesSingleAttemptToCompletion(t *testing.T) {
	l, wsURL := newGatewaySide(t)

	respond := func(desc link.OutboundDescriptor) ScriptedResponse {
		return ScriptedResponse{Attempts: []Attempt{{Chunks: []string{"hello"}, FinishReason: "STOP"}}}
	}
	agent, err := Dial(context.Background(), wsURL, respond, nil, testLogger())
	require.NoError(t, err)
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	q := l.OpenQueue("r1")
	require.NoError(t, l.Send(link.OutboundDescriptor{RequestID: "r1", Path: "/x", Method: "POST"}))

	f1, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindResponseHeaders, f1.Kind)

	f2, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindChunk, f2.Kind)
	assert.Equal(t, "hello", f2.Data)

	f3, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.KindStreamEnd, f3.Kind)
}

func TestAgentAutoResumesAfterProhibitedContent(t *testing.T) {
	l, wsURL := newGatewaySide(t)

	respond := func(desc link.OutboundDescriptor) ScriptedResponse {
		return ScriptedResponse{Attempts: []Attempt{
			{Chunks: []string{"part one "}, FinishReason: "PROHIBITED_CONTENT"},
			{Chunks: []string{"part two"}, FinishReason: "STOP"},
		}}
	}
	agent, err := Dial(context.Background(), wsURL, respond, nil, testLogger())
	require.NoError(t, err)
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	q := l.OpenQueue("r1")
	require.NoError(t, l.Send(link.OutboundDescriptor{
		RequestID: "r1", Path: "/x", Method: "POST",
		ResumeOnProhibit: true, ResumeLimit: 3,
	}))

	var chunks []string
	for {
		f, err := q.Dequeue(time.Second)
		require.NoError(t, err)
		if f.Kind == queue.KindStreamEnd {
			break
		}
		if f.Kind == queue.KindChunk {
			chunks = append(chunks, f.Data)
		}
	}

	assert.Equal(t, []string{"part one ", "part two"}, chunks)
}

func TestAgentDoesNotResumeWithoutResumeFlag(t *testing.T) {
	l, wsURL := newGatewaySide(t)

	respond := func(desc link.OutboundDescriptor) ScriptedResponse {
		return ScriptedResponse{Attempts: []Attempt{
			{Chunks: []string{"truncated"}, FinishReason: "PROHIBITED_CONTENT"},
			{Chunks: []string{"never sent"}, FinishReason: "STOP"},
		}}
	}
	agent, err := Dial(context.Background(), wsURL, respond, nil, testLogger())
	require.NoError(t, err)
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	q := l.OpenQueue("r1")
	require.NoError(t, l.Send(link.OutboundDescriptor{RequestID: "r1", Path: "/x", Method: "POST"}))

	var chunks []string
	for {
		f, err := q.Dequeue(time.Second)
		require.NoError(t, err)
		if f.Kind == queue.KindStreamEnd {
			break
		}
		if f.Kind == queue.KindChunk {
			chunks = append(chunks, f.Data)
		}
	}

	assert.Equal(t, []string{"truncated"}, chunks)
}

func TestAgentAcksRebind(t *testing.T) {
	l, wsURL := newGatewaySide(t)

	rebind := func(cmd link.RebindCommand) (bool, string) {
		return cmd.CredentialIndex == 2, "rejected"
	}
	agent, err := Dial(context.Background(), wsURL, func(link.OutboundDescriptor) ScriptedResponse { return ScriptedResponse{} }, rebind, testLogger())
	require.NoError(t, err)
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	err = l.SendRebind(context.Background(), 2, []byte(`{}`))
	assert.NoError(t, err)

	err = l.SendRebind(context.Background(), 3, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}
