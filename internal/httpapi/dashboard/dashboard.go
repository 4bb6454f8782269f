// Package dashboard renders the embedded operator status panel. spec.md §1
// excludes session/cookie login and a polished operator panel as a
// feature; per SPEC_FULL.md §9 the panel itself is still ambient, kept as
// minimal unstyled HTML rather than the teacher's full Tailwind dashboard,
// grounded on the same raw-string-constant texture the teacher used in its
// own DashboardHTML (cmd/handlers_dashboard.go, since deleted in the final
// adaptation pass — the texture survives here, not the file).
package dashboard

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/llmgw/browser-gateway/internal/coordinator"
	"github.com/llmgw/browser-gateway/internal/rotation"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head><title>browser-gateway status</title></head>
<body>
<h1>browser-gateway</h1>
<table border="1" cellpadding="4">
<tr><td>current credential index</td><td>%d</td></tr>
<tr><td>usage count</td><td>%d</td></tr>
<tr><td>failure count</td><td>%d</td></tr>
<tr><td>active requests</td><td>%d</td></tr>
<tr><td>pending switch</td><td>%t</td></tr>
<tr><td>switching</td><td>%t</td></tr>
<tr><td>system busy</td><td>%t</td></tr>
<tr><td>streaming mode</td><td>%s</td></tr>
<tr><td>reasoning enabled</td><td>%t</td></tr>
<tr><td>native reasoning enabled</td><td>%t</td></tr>
<tr><td>resume limit</td><td>%d</td></tr>
</table>
<h2>recent rotations</h2>
<ul>
%s
</ul>
</body>
</html>
`

// Handler renders the status panel as plain server-rendered HTML, reading
// the same state the JSON /api/status endpoint exposes.
func Handler(co *coordinator.Coordinator, rot *rotation.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := rot.Snapshot()

		history, err := rot.RecentRotations(20)
		if err != nil {
			co.Log().WithError(err).Warn("dashboard: failed to load rotation history")
		}

		var items strings.Builder
		if len(history) == 0 {
			items.WriteString("<li>none</li>")
		}
		for _, evt := range history {
			fmt.Fprintf(&items, "<li>%s -> %s: %d -> %d (%v)</li>",
				html.EscapeString(evt.CreatedAt.Format("2006-01-02 15:04:05")),
				html.EscapeString(evt.Reason), evt.FromIndex, evt.ToIndex, evt.Succeeded)
		}

		page := fmt.Sprintf(pageTemplate,
			snap.CurrentIndex, snap.UsageCount, snap.FailureCount, snap.ActiveRequestCount,
			snap.PendingSwitch, snap.IsSwitching, snap.IsSystemBusy,
			html.EscapeString(co.StreamingMode()), co.ReasoningEnabled(), co.NativeReasoningEnabled(),
			co.ResumeLimit(), items.String())

		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	}
}
