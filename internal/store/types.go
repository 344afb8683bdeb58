// Package store provides SQLite-backed persistence for dictation history,
// rewrite prompts, the user dictionary and small settings.
package store

import "time"

// HistoryEntry is one completed dictation.
type HistoryEntry struct {
	ID               int64
	RawText          string
	RewrittenText    string
	IsRewritten      bool
	AppName          string
	PromptID         *int64
	ProcessingTimeMs *int64
	CreatedAt        time.Time
}

// NewHistory carries the fields supplied when recording a dictation.
type NewHistory struct {
	RawText          string
	RewrittenText    string
	IsRewritten      bool
	AppName          string
	PromptID         *int64
	ProcessingTimeMs *int64
}

// Prompt is a rewrite prompt template. AppPatterns are matched as
// case-insensitive substrings of the foreground application name.
type Prompt struct {
	ID          int64
	Name        string
	Content     string
	AppPatterns []string
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DictionaryWord maps a spoken reading to its preferred written form.
type DictionaryWord struct {
	ID        int64
	Reading   string
	Display   string
	CreatedAt time.Time
}

// Well-known setting keys.
const (
	SettingHotkey        = "hotkey"
	SettingRewriteAPIKey = "rewrite_api_key"
)
