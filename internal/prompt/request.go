package prompt

// Message is one entry of the outbound conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the sampling parameters of a request.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// ProviderFilter restricts which upstream provider may serve the request.
type ProviderFilter struct {
	Only []string `json:"only"`
}

// Request is the chat-completion body sent to the inference endpoint.
type Request struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  Options         `json:"options"`
	Provider *ProviderFilter `json:"provider,omitempty"`
}
