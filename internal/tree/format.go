package tree

import (
	"fmt"
	"strings"
	"time"

	"github.com/fuseview/fuseview/internal/langfuse"
)

// RelativeTime renders how long ago t was, in the coarsest sensible
// unit: "just now", "3m ago", "2h ago", "5d ago".
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	elapsed := now.Sub(t)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}

// FormatDuration renders a duration compactly: "850ms", "1.2s", "3m5s",
// "2h30m".
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
}

func traceLabel(trace langfuse.Trace) string {
	if name := strings.TrimSpace(trace.Name); name != "" {
		return name
	}
	return trace.ID
}

func traceDescription(trace langfuse.Trace, now time.Time) string {
	parts := make([]string, 0, 3)
	if rel := RelativeTime(trace.Timestamp, now); rel != "" {
		parts = append(parts, rel)
	}
	if user := strings.TrimSpace(trace.UserID); user != "" {
		parts = append(parts, "user "+user)
	}
	if session := strings.TrimSpace(trace.SessionID); session != "" {
		parts = append(parts, "session "+session)
	}
	return strings.Join(parts, " · ")
}

func observationLabel(obs langfuse.Observation) string {
	if name := strings.TrimSpace(obs.Name); name != "" {
		return name
	}
	if obs.Type != "" {
		return strings.ToLower(string(obs.Type))
	}
	return obs.ID
}

func observationDescription(obs langfuse.Observation) string {
	parts := make([]string, 0, 4)
	if d := obs.Duration(); d > 0 {
		parts = append(parts, FormatDuration(d))
	}
	if model := strings.TrimSpace(obs.Model); model != "" {
		parts = append(parts, model)
	}
	if obs.Usage != nil && obs.Usage.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", obs.Usage.Total))
	}
	if obs.Level == langfuse.LevelError {
		parts = append(parts, "ERROR")
	}
	return strings.Join(parts, " · ")
}
