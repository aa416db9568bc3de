package openaicompat

// Chat Completions request/response types. These mirror the OpenAI Chat
// Completions API format, reduced to what text completion needs.

// ChatCompletionRequest is the request body for /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	N           int           `json:"n"`
	Stream      bool          `json:"stream"`
}

// ChatMessage is one message in the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the non-streaming response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ChatChoiceDelta `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatChoiceDelta holds the assistant message. Content may be null.
type ChatChoiceDelta struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// ChatUsage is token accounting.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatErrorResponse is the error envelope returned by compatible backends.
type ChatErrorResponse struct {
	Error ChatError `json:"error"`
}

// ChatError is the error detail.
type ChatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}
