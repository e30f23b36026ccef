package llm

// Role is the author of a provider message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolChoice tells the provider whether it may call tools.
type ToolChoice string

const (
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is an object JSON schema.
	Parameters map[string]any
}

// ToolCall is a structured call returned by the provider.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	// Offset is the position of the call in the response, measured in bytes
	// of response text that precede it.
	Offset int
	// DecodeErr is set when the provider sent arguments that are not a JSON object.
	DecodeErr error
}

// ToolResult answers one structured ToolCall.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one provider-neutral conversation entry.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature *float64
	Params      map[string]any
}

// BlockType tags a response block.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
)

// Block is one ordered piece of a response.
type Block struct {
	Type BlockType
	Text string
	Call *ToolCall
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Response is a provider-neutral completion.
type Response struct {
	Text       string
	Blocks     []Block
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
	Model      string
}

// NewResponse assembles Text and ToolCalls from ordered blocks and sets each
// call's Offset.
func NewResponse(blocks []Block) *Response {
	resp := &Response{Blocks: blocks}
	for i := range blocks {
		switch blocks[i].Type {
		case BlockText:
			resp.Text += blocks[i].Text
		case BlockToolCall:
			if blocks[i].Call == nil {
				continue
			}
			blocks[i].Call.Offset = len(resp.Text)
			resp.ToolCalls = append(resp.ToolCalls, *blocks[i].Call)
		}
	}
	return resp
}
