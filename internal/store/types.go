package store

import "time"

// ChatRecord is one inbound chat message. Records are immutable once
// written; the retention sweep is the only thing that removes them.
type ChatRecord struct {
	ID        string
	UserID    string
	Content   string
	Timestamp time.Time
	SessionID string
	Platform  string
}

// DailySummary is the LLM condensation of one user's one day of chat.
// Unique per (UserID, Date); a second write for the same key is ignored.
type DailySummary struct {
	UserID       string
	Date         string // YYYY-MM-DD
	Content      string
	MessageCount int
	CreatedAt    time.Time
}

// Stats are coarse counters for status output.
type Stats struct {
	Records   int
	Summaries int
}

const DateLayout = "2006-01-02"
