package perso

// Message roles and types used on the LLM wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	TypeMessage  = "message"
	TypeToolCall = "tool_call"
)

// ToolCallFunction names a tool and carries its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Message is one entry of the LLM conversation history.
type Message struct {
	Role       string     `json:"role"`
	Type       string     `json:"type,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Chat is one entry of the user-facing conversation log. Entries are kept
// newest first.
type Chat struct {
	Text        string
	IsUser      bool
	TimestampMS int64
}
