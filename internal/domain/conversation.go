package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Summary is the rolling, per-session conversation record. Turn is the
// authoritative server-side counter used for compare-and-swap saves.
type Summary struct {
	SessionID     string
	TenantID      string
	Turn          int
	Summary       string
	FactsLedger   map[string]any
	PendingAction string
	UpdatedAt     time.Time
	ExpiresAt     int64
}

// Message is a single append-only conversation message. Timestamp is the
// millisecond sort key within a session.
type Message struct {
	SessionID string
	Timestamp int64
	MessageID string
	Role      string
	Content   string
	ExpiresAt int64
}

// DeleteReport describes what a session deletion removed.
type DeleteReport struct {
	MessagesDeleted  int
	SummariesDeleted int
}

// ValidRole reports whether role may be persisted on a Message.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
