package domain

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion service and rebuilt from stored turns.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
