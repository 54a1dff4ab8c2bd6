package memory

import (
	"time"
)

// EntryType classifies a context entry.
type EntryType string

const (
	EntryFact         EntryType = "fact"
	EntryPreference   EntryType = "preference"
	EntryHistory      EntryType = "history"
	EntryRelationship EntryType = "relationship"
)

// Entry is one remembered item of user context. Access tracking feeds
// the recency/frequency score used for pruning.
type Entry struct {
	Key            string    `json:"key"`
	Value          any       `json:"value"`
	Type           EntryType `json:"type"`
	Confidence     float64   `json:"confidence"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
}

// score is the recency/frequency composite used for retention ordering.
// Higher is more valuable.
func (e *Entry) score(now time.Time) float64 {
	return float64(e.AccessCount)*0.3 - now.Sub(e.LastAccessedAt).Seconds()*0.7
}

// Message is one conversation history item.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Intent    string    `json:"intent,omitempty"`
}

// UserContext holds everything remembered about one user: scored entries
// plus a bounded conversation history.
type UserContext struct {
	UserID          string            `json:"user_id"`
	Entries         map[string]*Entry `json:"entries"`
	History         []Message         `json:"history"`
	LastInteraction time.Time         `json:"last_interaction"`
}

// Stats summarizes the memory store across all users.
type Stats struct {
	TotalUsers        int `json:"total_users"`
	TotalEntries      int `json:"total_entries"`
	TotalHistoryItems int `json:"total_history_items"`
}
