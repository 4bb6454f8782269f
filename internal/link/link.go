package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/llmgw/browser-gateway/internal/queue"
)

const (
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	rebindTimeout = 30 * time.Second
)

// reconnectGrace is a var so tests can shrink it; production leaves it at
// the 5s spec.md §8 P8 default.
var reconnectGrace = 5 * time.Second

// BrowserAgentLink owns the single control-channel connection to the
// in-browser agent. Only one *websocket.Conn is live at a time: a fresh
// accept() replaces (and does not race) whatever connection preceded it,
// mirroring spec.md §4.2's "one agent, rebindable" model. Writes serialize
// through writeMu so a multi-frame send is never interleaved with another
// goroutine's frame, per spec.md §5.
type BrowserAgentLink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	queues map[string]*queue.Queue

	pendingRebind chan rebindResult

	reconnectTimer *time.Timer
	onLost         func()

	log *logrus.Logger
}

type rebindResult struct {
	success bool
	message string
}

// New builds a link. When the reconnect grace period (spec.md §8 P8)
// elapses with no replacement connection, the link closes every open queue,
// failing each waiting request with ErrClosed, and then invokes onLost (which
// may be nil).
func New(log *logrus.Logger, onLost func()) *BrowserAgentLink {
	return &BrowserAgentLink{
		queues: make(map[string]*queue.Queue),
		onLost: onLost,
		log:    log,
	}
}

// Accept takes ownership of a freshly upgraded connection, cancelling any
// pending reconnect-grace timer, and starts its read loop.
func (l *BrowserAgentLink) Accept(conn *websocket.Conn) {
	l.mu.Lock()
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
	old := l.conn
	l.conn = conn
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go l.pingLoop(conn)
	go l.readLoop(conn)

	l.log.Info("browser agent connected")
}

func (l *BrowserAgentLink) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.writeMu.Lock()
		err := conn.WriteMessage(websocket.PingMessage, nil)
		l.writeMu.Unlock()
		if err != nil {
			return
		}
		l.mu.Lock()
		stillCurrent := l.conn == conn
		l.mu.Unlock()
		if !stillCurrent {
			return
		}
	}
}

func (l *BrowserAgentLink) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleDisconnect(conn)
			return
		}

		var evt InboundEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			l.log.Warnf("browser agent link: malformed frame: %v", err)
			continue
		}
		if evt.EventType == EventRebindResult {
			l.routeRebindResult(evt)
			continue
		}
		l.route(evt)
	}
}

func (l *BrowserAgentLink) route(evt InboundEvent) {
	l.mu.Lock()
	q, ok := l.queues[evt.RequestID]
	l.mu.Unlock()
	if !ok {
		return
	}

	switch evt.EventType {
	case EventResponseHeaders:
		q.Enqueue(queue.Frame{Kind: queue.KindResponseHeaders, Status: evt.Status, Headers: evt.Headers})
	case EventChunk:
		q.Enqueue(queue.Frame{Kind: queue.KindChunk, Data: evt.Data})
	case EventStreamClose:
		q.Enqueue(queue.Frame{Kind: queue.KindStreamEnd})
	case EventError:
		q.Enqueue(queue.Frame{Kind: queue.KindError, Status: evt.Status, Data: evt.Message})
	default:
		l.log.Warnf("browser agent link: unknown event type %q", evt.EventType)
	}
}

func (l *BrowserAgentLink) routeRebindResult(evt InboundEvent) {
	l.mu.Lock()
	ch := l.pendingRebind
	l.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- rebindResult{success: evt.Success, message: evt.Message}:
	default:
	}
}

func (l *BrowserAgentLink) handleDisconnect(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		// Already superseded by a newer Accept; nothing to do.
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.reconnectTimer = time.AfterFunc(reconnectGrace, func() {
		l.mu.Lock()
		lost := l.conn == nil
		l.reconnectTimer = nil
		l.mu.Unlock()
		if lost {
			l.log.Warn("browser agent link: reconnect grace expired, failing in-flight requests")
			l.failAllQueues()
			if l.onLost != nil {
				l.onLost()
			}
		}
	})
	l.mu.Unlock()

	l.log.Warn("browser agent disconnected, awaiting reconnect")
}

func (l *BrowserAgentLink) failAllQueues() {
	l.mu.Lock()
	qs := make([]*queue.Queue, 0, len(l.queues))
	for _, q := range l.queues {
		qs = append(qs, q)
	}
	l.queues = make(map[string]*queue.Queue)
	l.mu.Unlock()

	for _, q := range qs {
		q.Close()
	}
}

// HasLiveConnection reports whether a websocket connection is currently
// accepted (disconnected-but-within-grace counts as not live).
func (l *BrowserAgentLink) HasLiveConnection() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// OpenQueue registers and returns a fresh Queue for requestID.
func (l *BrowserAgentLink) OpenQueue(requestID string) *queue.Queue {
	q := queue.New()
	l.mu.Lock()
	l.queues[requestID] = q
	l.mu.Unlock()
	return q
}

// CloseQueue unregisters and closes the queue for requestID, if any.
func (l *BrowserAgentLink) CloseQueue(requestID string) {
	l.mu.Lock()
	q, ok := l.queues[requestID]
	delete(l.queues, requestID)
	l.mu.Unlock()
	if ok {
		q.Close()
	}
}

// Send serializes an OutboundDescriptor and writes it as a single websocket
// text frame. Writes are mutex-serialized so concurrent Send calls for
// different requests never interleave on the wire.
func (l *BrowserAgentLink) Send(desc OutboundDescriptor) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("browser agent link: no live connection")
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SendRebind asks the agent to swap its live session to a different
// credential and blocks for its rebind_result, implementing
// rotation.Rebinder's contract at the transport level. Only one rebind can
// be outstanding at a time, which RotationController already guarantees via
// isSwitching.
func (l *BrowserAgentLink) SendRebind(ctx context.Context, credentialIndex int, credential json.RawMessage) error {
	l.mu.Lock()
	if l.pendingRebind != nil {
		l.mu.Unlock()
		return fmt.Errorf("browser agent link: rebind already in progress")
	}
	ch := make(chan rebindResult, 1)
	l.pendingRebind = ch
	conn := l.conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.pendingRebind = nil
		l.mu.Unlock()
	}()

	if conn == nil {
		return fmt.Errorf("browser agent link: no live connection")
	}

	payload, err := json.Marshal(RebindCommand{EventType: EventRebind, CredentialIndex: credentialIndex, Credential: credential})
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	l.writeMu.Unlock()
	if writeErr != nil {
		return writeErr
	}

	timer := time.NewTimer(rebindTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.success {
			return fmt.Errorf("browser agent link: rebind to %d failed: %s", credentialIndex, res.message)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("browser agent link: rebind to %d timed out", credentialIndex)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCancel tells the agent to abandon a request it is working on.
func (l *BrowserAgentLink) SendCancel(requestID string) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("browser agent link: no live connection")
	}

	payload, err := json.Marshal(CancelFrame{EventType: EventCancelRequest, RequestID: requestID})
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}
