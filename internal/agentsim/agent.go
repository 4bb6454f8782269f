// Package agentsim is a Go test double for the in-browser BrowserAgent
// (spec.md §4.7). It dials the gateway's control channel like a real agent
// would and lets a test script canned response sequences, including the
// PROHIBITED_CONTENT/SAFETY auto-resume loop that spec.md keeps entirely
// agent-side: the gateway never sees a resume happen, it just keeps
// receiving chunk events on the same request id. Grounded on the teacher's
// httptest-based adapter scripting in core/adapter/gemini_test.go, adapted
// from an HTTP response body to this gateway's websocket control frames.
package agentsim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/llmgw/browser-gateway/internal/link"
)

// Attempt is one upstream fetch's worth of chunks and how it ended.
type Attempt struct {
	Chunks       []string
	FinishReason string // "", "STOP", "PROHIBITED_CONTENT", "SAFETY", ...
}

// ScriptedResponse is what a Responder returns for one descriptor. Attempts
// beyond the first are only consumed when the prior attempt ended in
// PROHIBITED_CONTENT/SAFETY and the descriptor asked for resume.
type ScriptedResponse struct {
	Status       int
	Attempts     []Attempt
	ErrorMessage string // non-empty: emit a single error event, ignore Attempts
}

// Responder scripts the simulated agent's behavior for each descriptor it
// receives.
type Responder func(desc link.OutboundDescriptor) ScriptedResponse

// RebindResponder scripts how the simulated agent acknowledges a rebind
// command. The default (nil) always succeeds.
type RebindResponder func(cmd link.RebindCommand) (success bool, message string)

type envelope struct {
	EventType string `json:"event_type"`
	RequestID string `json:"request_id"`
}

// Agent is the simulated BrowserAgent side of the control channel.
type Agent struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	log      *logrus.Logger
	respond  Responder
	rebind   RebindResponder
	canceled sync.Map // requestID -> struct{}
}

// Dial connects to the gateway's websocket endpoint as the agent would.
func Dial(ctx context.Context, url string, respond Responder, rebind RebindResponder, log *logrus.Logger) (*Agent, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agentsim: dial failed: %w", err)
	}
	if rebind == nil {
		rebind = func(link.RebindCommand) (bool, string) { return true, "" }
	}
	return &Agent{conn: conn, respond: respond, rebind: rebind, log: log}, nil
}

// Close closes the underlying connection.
func (a *Agent) Close() error { return a.conn.Close() }

// Run reads control frames until the connection closes or ctx is done,
// dispatching each to the appropriate handler. Blocking; run it in a
// goroutine from the test.
func (a *Agent) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.conn.Close()
	}()

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logf("agentsim: malformed frame: %v", err)
			continue
		}

		switch env.EventType {
		case "":
			var desc link.OutboundDescriptor
			if err := json.Unmarshal(data, &desc); err != nil {
				a.logf("agentsim: malformed descriptor: %v", err)
				continue
			}
			go a.serve(desc)
		case link.EventCancelRequest:
			a.canceled.Store(env.RequestID, struct{}{})
		case link.EventRebind:
			var cmd link.RebindCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				a.logf("agentsim: malformed rebind command: %v", err)
				continue
			}
			go a.ackRebind(cmd)
		default:
			a.logf("agentsim: unexpected event type %q from gateway", env.EventType)
		}
	}
}

func (a *Agent) ackRebind(cmd link.RebindCommand) {
	success, message := a.rebind(cmd)
	a.write(link.InboundEvent{
		EventType:       link.EventRebindResult,
		CredentialIndex: cmd.CredentialIndex,
		Success:         success,
		Message:         message,
	})
}

func (a *Agent) serve(desc link.OutboundDescriptor) {
	resp := a.respond(desc)

	if resp.ErrorMessage != "" {
		status := resp.Status
		if status == 0 {
			status = 502
		}
		a.write(link.InboundEvent{RequestID: desc.RequestID, EventType: link.EventError, Status: status, Message: resp.ErrorMessage})
		return
	}

	status := resp.Status
	if status == 0 {
		status = 200
	}
	a.write(link.InboundEvent{RequestID: desc.RequestID, EventType: link.EventResponseHeaders, Status: status})

	resumesUsed := 0
	for i, attempt := range resp.Attempts {
		if a.isCanceled(desc.RequestID) {
			return
		}

		for _, chunk := range attempt.Chunks {
			a.write(link.InboundEvent{RequestID: desc.RequestID, EventType: link.EventChunk, Data: chunk})
		}

		isProhibited := attempt.FinishReason == "PROHIBITED_CONTENT" || attempt.FinishReason == "SAFETY"
		hasMoreAttempts := i+1 < len(resp.Attempts)
		canResume := desc.ResumeOnProhibit && resumesUsed < desc.ResumeLimit

		if isProhibited && hasMoreAttempts && canResume {
			resumesUsed++
			continue
		}
		break
	}

	a.write(link.InboundEvent{RequestID: desc.RequestID, EventType: link.EventStreamClose})
}

func (a *Agent) isCanceled(requestID string) bool {
	_, ok := a.canceled.Load(requestID)
	return ok
}

func (a *Agent) write(evt link.InboundEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		a.logf("agentsim: marshal failed: %v", err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		a.logf("agentsim: write failed: %v", err)
	}
}

func (a *Agent) logf(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Warnf(format, args...)
	}
}
