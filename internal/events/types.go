// Package events provides subjects and payloads for the codepilot event system.
package events

// Subjects
const (
	// ApplyStateSubject carries protocol.ApplyState for every apply or diff
	// status change.
	ApplyStateSubject = "apply.state"
	// UIContextSubject carries protocol.SetContextPayload flag changes.
	UIContextSubject = "ui.context"
)

// Event types
const (
	ApplyStateChanged = "apply.state_changed"
	UIContextChanged  = "ui.context_changed"
)

// UI context keys
const (
	ContextDiffVisible   = "diffVisible"
	ContextStreamingDiff = "streamingDiff"
)
