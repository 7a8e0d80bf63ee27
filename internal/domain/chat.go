package domain

// Chat roles understood by OpenAI-compatible completion endpoints.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatMessage is one turn of a specialist agent's inference request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage and UserMessage build the two turns every agent sends.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}
