// Package coordinator implements the RequestCoordinator: the HTTP entry
// point that gates requests against rotation state, forwards a descriptor
// to the browser agent, drives the response state machine in one of three
// modes, and always releases rotation state in a guaranteed-release scope.
// Grounded on the teacher's core/proxy.go (ProxyRequest's retry/cursor loop,
// streamAndMapResponse's SSE copy-and-reformat) and core/handlers_inbound.go
// (HandleGeminiGenerateContent's ResponseInterceptor pattern), generalized
// from "retry across credentials" to "forward through one rotating browser
// session" per spec.md §4.5.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llmgw/browser-gateway/internal/adapter"
	"github.com/llmgw/browser-gateway/internal/config"
	"github.com/llmgw/browser-gateway/internal/link"
	"github.com/llmgw/browser-gateway/internal/rotation"
)

const (
	firstFrameTimeout = 300 * time.Second
	chunkTimeout      = 30 * time.Second
	keepAliveInterval = 3 * time.Second
)

const userAbortSentinel = "user aborted"

// Coordinator is the RequestCoordinator. It is safe for concurrent use by
// many HTTP handler goroutines; all shared state lives in rotation.Controller
// and link.BrowserAgentLink, which own their own synchronization.
type Coordinator struct {
	rot  *rotation.Controller
	link *link.BrowserAgentLink
	cfg  *config.Config
	log  *logrus.Logger

	idCounter  atomic.Int64
	resumeLimit atomic.Int32

	// reasoningEnabled gates thinkingConfig.includeThoughts injection for
	// requests translated from the OpenAI shape; nativeReasoningEnabled
	// gates the same injection on the Google-native passthrough path. The
	// two are independent per the operator endpoint split in spec.md §6
	// ("toggle-reasoning" vs "toggle-native-reasoning").
	reasoningEnabled       atomic.Bool
	nativeReasoningEnabled atomic.Bool
}

func New(rot *rotation.Controller, agentLink *link.BrowserAgentLink, cfg *config.Config, log *logrus.Logger) *Coordinator {
	co := &Coordinator{rot: rot, link: agentLink, cfg: cfg, log: log}
	co.resumeLimit.Store(3)
	return co
}

// SetReasoningEnabled implements the operator "toggle-reasoning" endpoint.
func (co *Coordinator) SetReasoningEnabled(enabled bool) { co.reasoningEnabled.Store(enabled) }

// SetNativeReasoningEnabled implements the operator "toggle-native-reasoning" endpoint.
func (co *Coordinator) SetNativeReasoningEnabled(enabled bool) { co.nativeReasoningEnabled.Store(enabled) }

// SetResumeLimit implements the operator "set-resume-config" endpoint.
func (co *Coordinator) SetResumeLimit(limit int) { co.resumeLimit.Store(int32(limit)) }

// ReasoningEnabled reports the current OpenAI-path reasoning flag, for the status endpoint.
func (co *Coordinator) ReasoningEnabled() bool { return co.reasoningEnabled.Load() }

// NativeReasoningEnabled reports the current Google-native-path reasoning flag.
func (co *Coordinator) NativeReasoningEnabled() bool { return co.nativeReasoningEnabled.Load() }

// ResumeLimit reports the current auto-resume attempt bound.
func (co *Coordinator) ResumeLimit() int { return int(co.resumeLimit.Load()) }

// StreamingMode reports the current default streaming mode.
func (co *Coordinator) StreamingMode() string { return co.cfg.StreamingMode }

// SetStreamingMode implements the operator "set-mode" endpoint.
func (co *Coordinator) SetStreamingMode(mode string) { co.cfg.StreamingMode = mode }

// Log exposes the Coordinator's logger to callers outside the package, such
// as the status endpoint, rather than threading a second logger through.
func (co *Coordinator) Log() *logrus.Logger { return co.log }

func (co *Coordinator) nextRequestID() string {
	n := co.idCounter.Add(1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), n)
}

// gateError classifies the common-entry-gate rejections from spec.md §4.5.
type gateError struct {
	status int
	msg    string
}

func (e *gateError) Error() string { return e.msg }

var (
	errRotating    = &gateError{http.StatusServiceUnavailable, "rotating accounts"}
	errSystemBusy  = &gateError{http.StatusServiceUnavailable, "system busy"}
	errNoRecovery  = &gateError{http.StatusServiceUnavailable, "agent link unavailable"}
)

// acquire runs the common entry gate (spec.md §4.5 steps 1-5). On success it
// returns a release func that must be deferred; on failure the caller must
// respond with the gateError's status and not call release.
func (co *Coordinator) acquire(ctx context.Context, isGenerative bool) (func(outcome rotation.Outcome), error) {
	if co.rot.IsPendingOrSwitching() {
		return nil, errRotating
	}

	if _, err := co.rot.AcquireRequest(isGenerative); err != nil {
		return nil, errRotating
	}

	if !co.link.HasLiveConnection() {
		if co.rot.IsSystemBusy() {
			co.rot.ReleaseOnGateFailure(ctx)
			return nil, errSystemBusy
		}
		if err := co.rot.RecoverConnection(ctx); err != nil {
			co.rot.ReleaseOnGateFailure(ctx)
			return nil, errNoRecovery
		}
	}

	if co.rot.IsSystemBusy() {
		co.rot.ReleaseOnGateFailure(ctx)
		return nil, errSystemBusy
	}

	return func(outcome rotation.Outcome) {
		co.rot.ReleaseRequest(ctx, outcome)
	}, nil
}

// sendWithRateLimit consults the per-credential throttle, if one is
// configured, before handing the descriptor to the agent link. SPEC_FULL.md
// §4.4 requires the limiter be consulted by RequestCoordinator before
// forwarding; a disabled or absent registry (RATE_LIMIT_RPS=0) waits zero
// time.
func (co *Coordinator) sendWithRateLimit(ctx context.Context, desc link.OutboundDescriptor) error {
	if limiter := co.rot.Limiter(); limiter != nil {
		if err := limiter.Wait(ctx, co.rot.CurrentIndex()); err != nil {
			return err
		}
	}
	return co.link.Send(desc)
}

func wantsStreaming(c *gin.Context, bodyStream bool) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	if strings.HasSuffix(c.Request.URL.Path, ":streamGenerateContent") {
		return true
	}
	return bodyStream
}

func (co *Coordinator) buildDescriptor(c *gin.Context, requestID, path string, body []byte, streamingMode string, isGenerative, clientWantsStream, resumeOnProhibit bool) link.OutboundDescriptor {
	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}
	delete(headers, "Authorization")

	query := make(map[string]string)
	for k := range c.Request.URL.Query() {
		query[k] = c.Request.URL.Query().Get(k)
	}
	delete(query, "key")

	return link.OutboundDescriptor{
		RequestID:         requestID,
		Path:              path,
		Method:            http.MethodPost,
		Headers:           headers,
		QueryParams:       query,
		Body:              json.RawMessage(body),
		StreamingMode:     streamingMode,
		IsGenerative:      isGenerative,
		ClientWantsStream: clientWantsStream,
		ResumeOnProhibit:  resumeOnProhibit,
		ResumeLimit:       int(co.resumeLimit.Load()),
	}
}

// watchCancellation sends cancel_request to the agent if the client
// disconnects before the handler returns (spec.md §4.5.5).
func (co *Coordinator) watchCancellation(ctx context.Context, requestID string) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			co.link.SendCancel(requestID)
		case <-done:
		}
	}()
	return func() { close(done) }
}

func isUserAbort(msg string) bool {
	return strings.Contains(strings.ToLower(msg), userAbortSentinel)
}

// handleFailure runs spec.md §4.5.4's terminal-failure bookkeeping. It does
// not write a response; callers write their own error body/chunk.
func (co *Coordinator) handleFailure(ctx context.Context, status int, err error) rotation.Outcome {
	if err != nil && isUserAbort(err.Error()) {
		return rotation.OutcomeCancelled
	}
	co.rot.ReportImmediateStatus(ctx, status)
	return rotation.OutcomeFailure
}

// HandleModelList implements GET /v1/models (spec.md §4.5 processModelList,
// scenario 5). It is non-generative: per the recorded SPEC_FULL.md decision
// it does not advance usageCount.
func (co *Coordinator) HandleModelList(c *gin.Context) {
	release, err := co.acquire(c.Request.Context(), false)
	if err != nil {
		ge := err.(*gateError)
		c.JSON(ge.status, gin.H{"error": ge.msg})
		return
	}

	requestID := co.nextRequestID()
	desc := co.buildDescriptor(c, requestID, "/v1beta/models", nil, "fake", false, false, false)
	desc.Method = http.MethodGet

	q := co.link.OpenQueue(requestID)
	stopWatch := co.watchCancellation(c.Request.Context(), requestID)
	defer func() {
		stopWatch()
		co.link.CloseQueue(requestID)
	}()

	if sendErr := co.sendWithRateLimit(c.Request.Context(), desc); sendErr != nil {
		release(rotation.OutcomeFailure)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent link unavailable"})
		return
	}

	status, body, frameErr := drainBuffered(q, firstFrameTimeout)
	if frameErr != nil {
		outcome := co.handleFailure(c.Request.Context(), status, frameErr)
		release(outcome)
		c.JSON(statusOr(status, http.StatusBadGateway), gin.H{"error": frameErr.Error()})
		return
	}

	var googleList adapter.GoogleModelListResponse
	if err := json.Unmarshal(body, &googleList); err != nil {
		release(rotation.OutcomeFailure)
		c.JSON(http.StatusBadGateway, gin.H{"error": "malformed upstream model list"})
		return
	}

	release(rotation.OutcomeSuccess)
	c.JSON(http.StatusOK, adapter.TranslateModelList(googleList))
}

func statusOr(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}
