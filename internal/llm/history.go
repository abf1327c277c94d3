package llm

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatHistory is an ordered conversation. Values are treated as immutable:
// Append returns a new history and never aliases the receiver's storage.
type ChatHistory []Message

// NewChatHistory builds a history from messages.
func NewChatHistory(msgs ...Message) ChatHistory {
	return append(ChatHistory(nil), msgs...)
}

// Append returns the concatenation of h and other, preserving order.
func (h ChatHistory) Append(other ChatHistory) ChatHistory {
	out := make(ChatHistory, 0, len(h)+len(other))
	out = append(out, h...)
	return append(out, other...)
}

// LatestInstruction returns the content of the last user message, or "".
func (h ChatHistory) LatestInstruction() string {
	return h.latest(RoleUser)
}

// LatestResponse returns the content of the last assistant message, or "".
func (h ChatHistory) LatestResponse() string {
	return h.latest(RoleAssistant)
}

func (h ChatHistory) latest(role Role) string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == role {
			return h[i].Content
		}
	}
	return ""
}
