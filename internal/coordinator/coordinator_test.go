package coordinator

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgw/browser-gateway/internal/config"
	"github.com/llmgw/browser-gateway/internal/link"
	"github.com/llmgw/browser-gateway/internal/rotation"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

type fakeRebinder struct{}

func (fakeRebinder) Rebind(ctx context.Context, index int) error { return nil }

// newTestCoordinator wires a real BrowserAgentLink to a real httptest
// websocket server, and dials a client against it that the test drives as
// the browser agent double, mirroring link_test.go's newTestPair.
func newTestCoordinator(t *testing.T) (*Coordinator, *websocket.Conn) {
	t.Helper()
	log := testLogger()
	l := link.New(log, nil)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		l.Accept(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	agent, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close() })
	time.Sleep(20 * time.Millisecond)

	rot := rotation.New(rotation.Config{
		AvailableIndices: []int{1, 2},
		InitialIndex:     1,
	}, fakeRebinder{}, nil, nil, log)

	cfg := &config.Config{StreamingMode: "real", MaxRetries: 2, RetryDelayMS: 1}
	co := New(rot, l, cfg, log)
	return co, agent
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, path, bytes.NewReader(body))
	return c, rec
}

// readAgentRequestID reads one OutboundDescriptor frame from the agent
// double and returns its request id, so the test can address replies.
func readAgentRequestID(t *testing.T, agent *websocket.Conn) string {
	t.Helper()
	var desc link.OutboundDescriptor
	require.NoError(t, agent.ReadJSON(&desc))
	return desc.RequestID
}

func TestHandleModelListSuccess(t *testing.T) {
	co, agent := newTestCoordinator(t)

	c, rec := newGinContext(http.MethodGet, "/v1/models", nil)

	done := make(chan struct{})
	go func() {
		co.HandleModelList(c)
		close(done)
	}()

	reqID := readAgentRequestID(t, agent)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventResponseHeaders, Status: 200}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventChunk, Data: `{"models":[{"name":"models/gemini-pro"}]}`}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventStreamClose}))

	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"gemini-pro"`)
	assert.Equal(t, int64(0), co.rot.ActiveRequestCount())
}

func TestHandleModelListUpstreamError(t *testing.T) {
	co, agent := newTestCoordinator(t)
	c, rec := newGinContext(http.MethodGet, "/v1/models", nil)

	done := make(chan struct{})
	go func() {
		co.HandleModelList(c)
		close(done)
	}()

	reqID := readAgentRequestID(t, agent)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventError, Status: 502, Message: "agent fetch failed"}))

	<-done
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, int64(0), co.rot.ActiveRequestCount())
}

func TestHandleOpenAIChatCompletionsBuffered(t *testing.T) {
	co, agent := newTestCoordinator(t)

	reqBody := []byte(`{"model":"gemini-pro","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	c, rec := newGinContext(http.MethodPost, "/v1/chat/completions", reqBody)

	done := make(chan struct{})
	go func() {
		co.HandleOpenAIChatCompletions(c)
		close(done)
	}()

	reqID := readAgentRequestID(t, agent)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventResponseHeaders, Status: 200}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventChunk, Data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello there"}]},"finishReason":"STOP"}]}`}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventStreamClose}))

	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello there")
	assert.Contains(t, rec.Body.String(), `"finish_reason":"stop"`)
}

func TestHandleOpenAIChatCompletionsRealStream(t *testing.T) {
	co, agent := newTestCoordinator(t)

	reqBody := []byte(`{"model":"gemini-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	c, rec := newGinContext(http.MethodPost, "/v1/chat/completions", reqBody)

	done := make(chan struct{})
	go func() {
		co.HandleOpenAIChatCompletions(c)
		close(done)
	}()

	reqID := readAgentRequestID(t, agent)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventResponseHeaders, Status: 200}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventChunk, Data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"piece one"}]}}]}`}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventChunk, Data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"piece two"}]},"finishReason":"STOP"}]}`}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventStreamClose}))

	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "piece one")
	assert.Contains(t, out, "piece two")
	assert.Contains(t, out, "data: [DONE]")
}

func TestHandleOpenAIChatCompletionsFakeStreamRetriesThenSucceeds(t *testing.T) {
	co, agent := newTestCoordinator(t)
	co.cfg.StreamingMode = "fake"

	reqBody := []byte(`{"model":"gemini-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	c, rec := newGinContext(http.MethodPost, "/v1/chat/completions", reqBody)

	done := make(chan struct{})
	go func() {
		co.HandleOpenAIChatCompletions(c)
		close(done)
	}()

	// First attempt fails.
	reqID := readAgentRequestID(t, agent)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventError, Status: 500, Message: "upstream blip"}))

	// Retry arrives as a fresh descriptor on the same request id.
	reqID2 := readAgentRequestID(t, agent)
	assert.Equal(t, reqID, reqID2)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID2, EventType: link.EventResponseHeaders, Status: 200}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID2, EventType: link.EventChunk, Data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"recovered"}]},"finishReason":"STOP"}]}`}))

	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recovered")
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestHandleOpenAIChatCompletionsGateRejectsWhenPendingSwitch(t *testing.T) {
	co, _ := newTestCoordinator(t)

	// One outstanding generative request armed with SwitchOnUses=1 leaves
	// pendingSwitch true for as long as that request stays in flight; a
	// second request must be rejected outright by the common entry gate.
	co.rot = rotation.New(rotation.Config{
		AvailableIndices: []int{1, 2},
		InitialIndex:     1,
		SwitchOnUses:     1,
	}, fakeRebinder{}, nil, nil, testLogger())
	_, err := co.rot.AcquireRequest(true)
	require.NoError(t, err)
	require.True(t, co.rot.IsPendingOrSwitching())

	reqBody := []byte(`{"model":"gemini-pro","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	c, rec := newGinContext(http.MethodPost, "/v1/chat/completions", reqBody)
	co.HandleOpenAIChatCompletions(c)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "rotating")
}

func TestHandleGoogleNativeBuffered(t *testing.T) {
	co, agent := newTestCoordinator(t)

	reqBody := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	c, rec := newGinContext(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", reqBody)

	done := make(chan struct{})
	go func() {
		co.HandleGoogleNative(c)
		close(done)
	}()

	reqID := readAgentRequestID(t, agent)
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventResponseHeaders, Status: 200}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventChunk, Data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi back"}]},"finishReason":"STOP"}]}`}))
	require.NoError(t, agent.WriteJSON(link.InboundEvent{RequestID: reqID, EventType: link.EventStreamClose}))

	<-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi back")
}
