// Package ipc implements the line-delimited JSON protocol between the
// voxpaste daemon and its native input/speech helper.
//
// The stream carries two independently typed directions: Inbound messages
// flow from the helper to the daemon and Outbound messages from the daemon
// to the helper. Every decoded payload is validated against an embedded
// JSON schema before it is trusted.
package ipc

import "encoding/json"

// InboundKind tags a helper-to-daemon message.
type InboundKind string

const (
	InReady            InboundKind = "ready"
	InStarted          InboundKind = "started"
	InPartial          InboundKind = "partial"
	InFinal            InboundKind = "final"
	InStopped          InboundKind = "stopped"
	InCancelled        InboundKind = "cancelled"
	InRewriteCancelled InboundKind = "rewrite:cancelled"
	InLevel            InboundKind = "level"
	InError            InboundKind = "error"
	InPermissions      InboundKind = "permissions"
)

// OutboundKind tags a daemon-to-helper message.
type OutboundKind string

const (
	OutRewriteStart     OutboundKind = "rewrite:start"
	OutRewriteDone      OutboundKind = "rewrite:done"
	OutRewriteError     OutboundKind = "rewrite:error"
	OutHotkeySet        OutboundKind = "hotkey:set"
	OutPermissionsCheck OutboundKind = "permissions:check"
	OutHUDUpdate        OutboundKind = "hud:update"
)

// Permission states reported by the helper.
const (
	PermGranted       = "granted"
	PermDenied        = "denied"
	PermNotDetermined = "not_determined"
	PermRestricted    = "restricted"
)

// Permissions is the helper's answer to permissions:check.
type Permissions struct {
	SpeechRecognition string `json:"speechRecognition"`
	Microphone        string `json:"microphone"`
	// Input reports access to the global keyboard source.
	Input string `json:"input,omitempty"`
}

// Inbound is a helper-to-daemon message.
type Inbound struct {
	Type        InboundKind  `json:"type"`
	Text        string       `json:"text,omitempty"`
	Level       *float64     `json:"level,omitempty"`
	Code        string       `json:"code,omitempty"`
	Message     string       `json:"message,omitempty"`
	SessionID   string       `json:"sessionId,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

// Outbound is a daemon-to-helper message.
type Outbound struct {
	Type      OutboundKind `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Message   string       `json:"message,omitempty"`
	Hotkey    string       `json:"hotkey,omitempty"`
	Size      string       `json:"size,omitempty"`
	Opacity   *float64     `json:"opacity,omitempty"`
	Position  string       `json:"position,omitempty"`
}

// MarshalJSON always writes text for transcript kinds, where an empty string
// is meaningful.
func (m Inbound) MarshalJSON() ([]byte, error) {
	type plain Inbound
	switch m.Type {
	case InPartial, InFinal, InStopped:
		return json.Marshal(struct {
			plain
			Text string `json:"text"`
		}{plain(m), m.Text})
	}
	return json.Marshal(plain(m))
}

// Level builds a level message.
func Level(v float64) Inbound {
	return Inbound{Type: InLevel, Level: &v}
}

// LevelValue returns the level, or 0 when absent.
func (m Inbound) LevelValue() float64 {
	if m.Level == nil {
		return 0
	}
	return *m.Level
}
