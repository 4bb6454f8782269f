package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llmgw/browser-gateway/internal/coordinator"
	"github.com/llmgw/browser-gateway/internal/httpapi/dashboard"
	"github.com/llmgw/browser-gateway/internal/rotation"
)

// NewEngine assembles the gin engine: public health/status routes,
// client-facing API routes gated by AuthMiddleware, and the operator
// control-plane endpoints from spec.md §6. Grounded on the teacher's
// cmd/main.go setupRoutes, which registers health/dashboard routes outside
// any auth group and the business routes inside one; the session/cookie
// login the teacher's dashboard group used is dropped per spec.md §1's
// explicit feature exclusion, leaving plain unauthenticated status views.
func NewEngine(co *coordinator.Coordinator, rot *rotation.Controller, apiKeys []string, log *logrus.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(CORSMiddleware())
	engine.Use(RequestLoggerMiddleware(log))

	engine.GET("/health", handleHealth)
	engine.GET("/dashboard", dashboard.Handler(co, rot))

	authorized := engine.Group("/")
	authorized.Use(AuthMiddleware(apiKeys))

	authorized.POST("/v1/chat/completions", co.HandleOpenAIChatCompletions)
	authorized.GET("/v1/models", co.HandleModelList)

	api := authorized.Group("/api")
	api.POST("/switch-account", handleSwitchAccount(rot))
	api.POST("/set-mode", handleSetMode(co))
	api.POST("/toggle-reasoning", handleToggleReasoning(co))
	api.POST("/toggle-native-reasoning", handleToggleNativeReasoning(co))
	api.POST("/set-resume-config", handleSetResumeConfig(co))
	api.GET("/status", handleStatus(co, rot))

	// Everything else is passed through to the Google-native path, per
	// spec.md §4.5's processRequest catch-all. NoRoute handlers run outside
	// any RouterGroup, so the auth check is applied explicitly here.
	engine.NoRoute(AuthMiddleware(apiKeys), co.HandleGoogleNative)

	return engine
}

// handleHealth is an unauthenticated liveness probe, grounded on the
// teacher's handleHealth.
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type switchAccountRequest struct {
	TargetIndex *int `json:"targetIndex"`
}

// handleSwitchAccount implements POST /api/switch-account. targetIndex is
// required: a request without it is rejected with 400 and no switch is
// made; there is no advance-to-next-credential form of this endpoint.
func handleSwitchAccount(rot *rotation.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req switchAccountRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
				return
			}
		}

		target := req.TargetIndex
		if target == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "targetIndex is required"})
			return
		}

		if err := rot.ManualSwitch(c.Request.Context(), *target); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "currentIndex": rot.CurrentIndex()})
	}
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func handleSetMode(co *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setModeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		if req.Mode != "real" && req.Mode != "fake" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be \"real\" or \"fake\""})
			return
		}
		co.SetStreamingMode(req.Mode)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": req.Mode})
	}
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func handleToggleReasoning(co *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		co.SetReasoningEnabled(req.Enabled)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "reasoningEnabled": req.Enabled})
	}
}

func handleToggleNativeReasoning(co *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		co.SetNativeReasoningEnabled(req.Enabled)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "nativeReasoningEnabled": req.Enabled})
	}
}

type setResumeConfigRequest struct {
	Limit int `json:"limit"`
}

func handleSetResumeConfig(co *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setResumeConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		if req.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be >= 0"})
			return
		}
		co.SetResumeLimit(req.Limit)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "limit": req.Limit})
	}
}

// statusHistoryLimit bounds how many rotation events /api/status surfaces,
// the same 20 entries the dashboard's recent-rotations list shows.
const statusHistoryLimit = 20

func handleStatus(co *coordinator.Coordinator, rot *rotation.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := rot.Snapshot()

		history, err := rot.RecentRotations(statusHistoryLimit)
		if err != nil {
			co.Log().WithError(err).Warn("httpapi: failed to load rotation history")
		}

		c.JSON(http.StatusOK, gin.H{
			"currentIndex":           snap.CurrentIndex,
			"usageCount":             snap.UsageCount,
			"failureCount":           snap.FailureCount,
			"activeRequestCount":     snap.ActiveRequestCount,
			"pendingSwitch":          snap.PendingSwitch,
			"isSwitching":            snap.IsSwitching,
			"isSystemBusy":           snap.IsSystemBusy,
			"streamingMode":          co.StreamingMode(),
			"reasoningEnabled":       co.ReasoningEnabled(),
			"nativeReasoningEnabled": co.NativeReasoningEnabled(),
			"resumeLimit":            co.ResumeLimit(),
			"rotationHistory":        history,
		})
	}
}
