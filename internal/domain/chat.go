package domain

// ChatMessage is the client-facing message shape returned in conversation
// state and accepted in save deltas.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ConversationState is the view of a session handed back on Get.
type ConversationState struct {
	Summary       string         `json:"summary"`
	FactsLedger   map[string]any `json:"factsLedger"`
	PendingAction string         `json:"pendingAction,omitempty"`
	Turn          int            `json:"turn"`
	LastMessages  []ChatMessage  `json:"lastMessages"`
}
