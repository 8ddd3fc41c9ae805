package model

// Role tags who authored a transcript entry from the model's point of view.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one turn of the transcript handed to the language model.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
