package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against OpenAI's chat completions
// streaming API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider constructs an OpenAIProvider. defaultModel falls back to
// gpt-4o when empty.
func NewOpenAIProvider(apiKey, defaultModel string) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), defaultModel: defaultModel}
}

// Name identifies this provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Models lists the GPT models this provider serves.
func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{ID: "gpt-4o", ContextSize: 128_000},
		{ID: "gpt-4o-mini", ContextSize: 128_000},
		{ID: "gpt-4-turbo", ContextSize: 128_000},
	}
}

// SupportsTools reports that OpenAI's API supports function/tool calling.
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete streams a chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: client not configured")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := toOpenAIMessages(req.System, req.Messages)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	out := make(chan Chunk)
	go processOpenAIStream(stream, out)
	return out, nil
}

func toOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return out
}

func processOpenAIStream(stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	type building struct {
		id, name, args string
	}
	calls := map[int]*building{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				for i := 0; i < len(calls); i++ {
					if c := calls[i]; c != nil && c.id != "" {
						out <- Chunk{ToolCall: &ToolCall{ID: c.id, Name: c.name, Arguments: c.args}}
					}
				}
				out <- Chunk{Done: true}
				return
			}
			out <- Chunk{Err: fmt.Errorf("openai stream: %w", err), Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- Chunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b, ok := calls[idx]
			if !ok {
				b = &building{}
				calls[idx] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args += tc.Function.Arguments
		}
	}
}
