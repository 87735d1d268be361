package testutil

import (
	"fmt"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// SampleReply is the assistant text carried by SampleOpenAIChatResponse.
const SampleReply = "Hello! I'm doing well, thank you for asking."

// SampleOpenAIChatResponse is a chat completions response body.
const SampleOpenAIChatResponse = `{
  "id": "chatcmpl-test123",
  "object": "chat.completion",
  "created": 1234567890,
  "model": "gpt-4o",
  "choices": [{
    "index": 0,
    "message": {"role": "assistant", "content": "` + SampleReply + `"},
    "finish_reason": "stop"
  }],
  "usage": {"prompt_tokens": 25, "completion_tokens": 12, "total_tokens": 37}
}`

// SampleOpenAIEmbeddingResponse is an embeddings response body for two
// inputs, listed out of order.
const SampleOpenAIEmbeddingResponse = `{
  "object": "list",
  "model": "text-embedding-3-small",
  "data": [
    {"object": "embedding", "index": 1, "embedding": [0.4, 0.5, 0.6]},
    {"object": "embedding", "index": 0, "embedding": [0.1, 0.2, 0.3]}
  ],
  "usage": {"prompt_tokens": 8, "total_tokens": 8}
}`

// SampleGenerateRequest is a POST /api/generate body.
const SampleGenerateRequest = `{
  "prompt": {"messages": [
    {"role": "system", "content": "You are a helpful assistant."},
    {"role": "user", "content": "Hello, how are you?"}
  ]},
  "max_tokens": 256,
  "task": "chat"
}`

// SampleMessages generates an n-turn conversation.
func SampleMessages(n int) []llm.Message {
	messages := make([]llm.Message, 0, n*2)
	for i := range n {
		messages = append(messages,
			llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("This is user message number %d with some content to work with.", i+1),
			},
			llm.Message{
				Role:    llm.RoleAssistant,
				Content: fmt.Sprintf("This is assistant response number %d with some content.", i+1),
			},
		)
	}
	return messages
}

// SampleGenerationRequest returns a chat request over SampleMessages(turns)
// followed by a final user question.
func SampleGenerationRequest(turns int) *llm.GenerationRequest {
	msgs := append(SampleMessages(turns), llm.Message{Role: llm.RoleUser, Content: "And one more question?"})
	return &llm.GenerationRequest{
		Prompt:    llm.MessagePrompt(msgs...),
		MaxTokens: 128,
	}
}
