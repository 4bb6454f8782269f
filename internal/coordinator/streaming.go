package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmgw/browser-gateway/internal/adapter"
	"github.com/llmgw/browser-gateway/internal/link"
	"github.com/llmgw/browser-gateway/internal/queue"
	"github.com/llmgw/browser-gateway/internal/rotation"
)

var (
	finishReasonPattern  = regexp.MustCompile(`"finishReason"\s*:\s*"([A-Z_]+)"`)
	generativePathSuffix = regexp.MustCompile(`:(generateContent|streamGenerateContent)$`)
)

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func writeSSEError(c *gin.Context, message string) {
	payload, _ := json.Marshal(gin.H{"error": gin.H{"message": message}})
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// HandleOpenAIChatCompletions implements spec.md §4.5's processOpenAI: the
// common entry gate, request translation, and dispatch into one of the
// three response-mode drivers.
func (co *Coordinator) HandleOpenAIChatCompletions(c *gin.Context) {
	var req adapter.ChatCompletionRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	clientWantsStream := wantsStreaming(c, req.Stream)

	release, gateErr := co.acquire(c.Request.Context(), true)
	if gateErr != nil {
		ge := gateErr.(*gateError)
		c.JSON(ge.status, gin.H{"error": ge.msg})
		return
	}

	googleReq := adapter.BuildGoogleRequest(req, co.reasoningEnabled.Load())
	bodyBytes, err := json.Marshal(googleReq)
	if err != nil {
		release(rotation.OutcomeFailure)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build upstream request"})
		return
	}

	suffix := ":generateContent"
	if clientWantsStream {
		suffix = ":streamGenerateContent"
	}
	googlePath := fmt.Sprintf("/v1beta/models/%s%s", req.Model, suffix)

	requestID := co.nextRequestID()
	streamingMode := co.cfg.StreamingMode
	resumeOnProhibit := clientWantsStream && streamingMode == "real"

	desc := co.buildDescriptor(c, requestID, googlePath, bodyBytes, streamingMode, true, clientWantsStream, resumeOnProhibit)

	q := co.link.OpenQueue(requestID)
	stopWatch := co.watchCancellation(c.Request.Context(), requestID)
	defer func() {
		stopWatch()
		co.link.CloseQueue(requestID)
	}()

	translator := &adapter.StreamTranslator{RequestID: requestID, Created: time.Now().Unix(), Model: req.Model}

	switch {
	case !clientWantsStream:
		co.runBuffered(c, desc, q, requestID, req.Model, release)
	case streamingMode == "real":
		co.runRealStream(c, desc, q, translator, release)
	default:
		co.runFakeStream(c, desc, q, translator, release)
	}
}

// runBuffered implements spec.md §4.5.3: accumulate chunks, then translate
// the whole body into a single chat.completion.
func (co *Coordinator) runBuffered(c *gin.Context, desc link.OutboundDescriptor, q *queue.Queue, requestID, model string, release func(rotation.Outcome)) {
	if err := co.sendWithRateLimit(c.Request.Context(), desc); err != nil {
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

	resp, err := adapter.TranslateNonStreaming(body, requestID, time.Now().Unix(), model)
	if err != nil {
		release(rotation.OutcomeFailure)
		c.JSON(http.StatusBadGateway, gin.H{"error": "malformed upstream response"})
		return
	}

	release(rotation.OutcomeSuccess)
	c.JSON(statusOr(status, http.StatusOK), resp)
}

// drainBuffered reads ResponseHeaders then Chunk* then StreamEnd, or
// returns the Error frame's status/message. Used by both the OpenAI
// non-streaming path and the model-list path.
func drainBuffered(q *queue.Queue, timeout time.Duration) (status int, body []byte, err error) {
	headerFrame, derr := q.Dequeue(timeout)
	if derr != nil {
		return 0, nil, derr
	}
	if headerFrame.Kind == queue.KindError {
		return headerFrame.Status, nil, fmt.Errorf("%s", headerFrame.Data)
	}
	status = headerFrame.Status

	var buf []byte
	for {
		frame, derr := q.Dequeue(timeout)
		if derr != nil {
			return status, nil, derr
		}
		switch frame.Kind {
		case queue.KindChunk:
			buf = append(buf, frame.Data...)
		case queue.KindStreamEnd:
			return status, buf, nil
		case queue.KindError:
			return frame.Status, nil, fmt.Errorf("%s", frame.Data)
		}
	}
}

// runRealStream implements spec.md §4.5.2: forward frames as they arrive,
// translating each one to an OpenAI SSE chunk.
func (co *Coordinator) runRealStream(c *gin.Context, desc link.OutboundDescriptor, q *queue.Queue, translator *adapter.StreamTranslator, release func(rotation.Outcome)) {
	if err := co.sendWithRateLimit(c.Request.Context(), desc); err != nil {
		release(rotation.OutcomeFailure)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent link unavailable"})
		return
	}

	headerFrame, err := q.Dequeue(firstFrameTimeout)
	if err != nil {
		outcome := co.handleFailure(c.Request.Context(), http.StatusGatewayTimeout, err)
		release(outcome)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	if headerFrame.Kind == queue.KindError {
		outcome := co.handleFailure(c.Request.Context(), headerFrame.Status, fmt.Errorf("%s", headerFrame.Data))
		release(outcome)
		status := statusOr(headerFrame.Status, http.StatusBadGateway)
		c.JSON(status, gin.H{"error": headerFrame.Data})
		return
	}

	setSSEHeaders(c)

	var lastFinishReason string
	for {
		frame, derr := q.Dequeue(chunkTimeout)
		if derr != nil {
			// A per-chunk timeout is treated as a probable clean end, not a
			// failure, per spec.md §4.5.2.
			co.log.WithField("last_finish_reason", lastFinishReason).Warn("coordinator: stream chunk timeout, ending stream")
			break
		}
		if frame.Kind == queue.KindStreamEnd {
			break
		}
		if frame.Kind == queue.KindError {
			outcome := co.handleFailure(c.Request.Context(), frame.Status, fmt.Errorf("%s", frame.Data))
			release(outcome)
			writeSSEError(c, frame.Data)
			return
		}

		if m := finishReasonPattern.FindStringSubmatch(frame.Data); m != nil {
			lastFinishReason = m[1]
		}

		chunk, ok := translator.TranslateChunk([]byte(frame.Data))
		if !ok {
			continue
		}
		chunkBytes, _ := json.Marshal(chunk)
		fmt.Fprintf(c.Writer, "data: %s\n\n", chunkBytes)
		c.Writer.Flush()
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
	release(rotation.OutcomeSuccess)
}

// runFakeStream implements spec.md §4.5.1: retry the whole request against
// a non-streaming upstream, then synthesize one SSE chunk.
func (co *Coordinator) runFakeStream(c *gin.Context, desc link.OutboundDescriptor, q *queue.Queue, translator *adapter.StreamTranslator, release func(rotation.Outcome)) {
	setSSEHeaders(c)

	retryDelay := time.Duration(co.cfg.RetryDelayMS) * time.Millisecond
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= co.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}

		if err := co.sendWithRateLimit(c.Request.Context(), desc); err != nil {
			lastErr = err
			continue
		}

		stop := make(chan struct{})
		go keepAliveLoop(c, stop)

		frame, derr := q.Dequeue(firstFrameTimeout)
		close(stop)
		if derr != nil {
			lastErr = derr
			continue
		}
		if frame.Kind == queue.KindError {
			lastErr = fmt.Errorf("%s", frame.Data)
			lastStatus = frame.Status
			co.log.WithField("attempt", attempt).WithField("status", frame.Status).Warn("coordinator: fake-stream attempt failed, retrying")
			continue
		}

		bodyFrame, derr := q.Dequeue(firstFrameTimeout)
		if derr != nil {
			lastErr = derr
			continue
		}
		if bodyFrame.Kind != queue.KindChunk {
			lastErr = fmt.Errorf("malformed fake-stream response")
			continue
		}

		chunk, ok := translator.TranslateChunk([]byte(bodyFrame.Data))
		if ok {
			chunkBytes, _ := json.Marshal(chunk)
			fmt.Fprintf(c.Writer, "data: %s\n\n", chunkBytes)
		}
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
		release(rotation.OutcomeSuccess)
		return
	}

	outcome := co.handleFailure(c.Request.Context(), lastStatus, lastErr)
	release(outcome)
	msg := "upstream unavailable"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	writeSSEError(c, msg)
}

func keepAliveLoop(c *gin.Context, stop chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		}
	}
}

// HandleGoogleNative implements spec.md §4.5's processRequest: an arbitrary
// path is passed through with only optional thought-config injection and,
// for buffered responses, image inlining normalization.
func (co *Coordinator) HandleGoogleNative(c *gin.Context) {
	body, err := readAndInjectThinking(c, co.nativeReasoningEnabled.Load())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	isGenerative := isGenerativePath(c.Request.URL.Path)
	clientWantsStream := wantsStreaming(c, false)

	release, gateErr := co.acquire(c.Request.Context(), isGenerative)
	if gateErr != nil {
		ge := gateErr.(*gateError)
		c.JSON(ge.status, gin.H{"error": ge.msg})
		return
	}

	requestID := co.nextRequestID()
	streamingMode := co.cfg.StreamingMode
	desc := co.buildDescriptor(c, requestID, c.Request.URL.Path, body, streamingMode, isGenerative, clientWantsStream, clientWantsStream && streamingMode == "real")
	desc.Method = c.Request.Method

	q := co.link.OpenQueue(requestID)
	stopWatch := co.watchCancellation(c.Request.Context(), requestID)
	defer func() {
		stopWatch()
		co.link.CloseQueue(requestID)
	}()

	if !clientWantsStream {
		if err := co.sendWithRateLimit(c.Request.Context(), desc); err != nil {
			release(rotation.OutcomeFailure)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent link unavailable"})
			return
		}
		status, respBody, frameErr := drainBuffered(q, firstFrameTimeout)
		if frameErr != nil {
			outcome := co.handleFailure(c.Request.Context(), status, frameErr)
			release(outcome)
			c.JSON(statusOr(status, http.StatusBadGateway), gin.H{"error": frameErr.Error()})
			return
		}
		if normalized, changed, nErr := adapter.NormalizeImageInlining(respBody); nErr == nil && changed {
			respBody = normalized
		}
		release(rotation.OutcomeSuccess)
		c.Data(statusOr(status, http.StatusOK), "application/json", respBody)
		return
	}

	// Streaming passthrough (either streaming mode): each chunk frame is
	// written untranslated as one SSE data line, followed by data: [DONE].
	if err := co.sendWithRateLimit(c.Request.Context(), desc); err != nil {
		release(rotation.OutcomeFailure)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent link unavailable"})
		return
	}
	headerFrame, err := q.Dequeue(firstFrameTimeout)
	if err != nil {
		outcome := co.handleFailure(c.Request.Context(), http.StatusGatewayTimeout, err)
		release(outcome)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	if headerFrame.Kind == queue.KindError {
		outcome := co.handleFailure(c.Request.Context(), headerFrame.Status, fmt.Errorf("%s", headerFrame.Data))
		release(outcome)
		c.JSON(statusOr(headerFrame.Status, http.StatusBadGateway), gin.H{"error": headerFrame.Data})
		return
	}
	setSSEHeaders(c)
	for {
		frame, derr := q.Dequeue(chunkTimeout)
		if derr != nil {
			break
		}
		if frame.Kind == queue.KindStreamEnd {
			break
		}
		if frame.Kind == queue.KindError {
			outcome := co.handleFailure(c.Request.Context(), frame.Status, fmt.Errorf("%s", frame.Data))
			release(outcome)
			writeSSEError(c, frame.Data)
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", frame.Data)
		c.Writer.Flush()
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
	release(rotation.OutcomeSuccess)
}

func isGenerativePath(path string) bool {
	return generativePathSuffix.MatchString(path)
}

// readAndInjectThinking reads the raw body and, when reasoning is enabled,
// injects generationConfig.thinkingConfig.includeThoughts=true into an
// arbitrary Google-native request without otherwise altering its shape.
func readAndInjectThinking(c *gin.Context, reasoningEnabled bool) ([]byte, error) {
	raw, err := readAll(c)
	if err != nil {
		return nil, err
	}
	if !reasoningEnabled || len(raw) == 0 {
		return raw, nil
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, nil // pass through unparseable bodies unchanged
	}
	config, _ := generic["generationConfig"].(map[string]interface{})
	if config == nil {
		config = map[string]interface{}{}
	}
	config["thinkingConfig"] = map[string]interface{}{"includeThoughts": true}
	generic["generationConfig"] = config

	patched, err := json.Marshal(generic)
	if err != nil {
		return raw, nil
	}
	return patched, nil
}

func readAll(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := c.Request.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
