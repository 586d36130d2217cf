package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against the Anthropic Messages API,
// streaming content_block_start/delta/stop events and accumulating tool_use
// blocks. Text and tool calls only; no vision, computer-use, or
// extended-thinking blocks.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	DefaultModel string
}

// NewAnthropicProvider constructs an AnthropicProvider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		defaultModel: cfg.DefaultModel,
	}
}

// Name identifies this provider for /api/llm/status and the router's model
// registry.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Models lists the Claude models this provider serves.
func (p *AnthropicProvider) Models() []Model {
	return []Model{
		{ID: "claude-opus-4-20250514", ContextSize: 200_000},
		{ID: "claude-sonnet-4-20250514", ContextSize: 200_000},
		{ID: "claude-3-5-haiku-20241022", ContextSize: 200_000},
	}
}

// SupportsTools reports that Anthropic's Messages API supports tool use.
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete streams a Claude completion, translating content blocks into
// Chunks as they arrive.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan Chunk)
	go processAnthropicStream(stream, out)
	return out, nil
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func toAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{},
			},
		})
	}
	return out
}

func processAnthropicStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- Chunk) {
	defer close(out)

	var currentToolID, currentToolName string
	var toolJSONBuf string
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			inputTokens = int(ms.Message.Usage.InputTokens)
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				toolJSONBuf = ""
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				out <- Chunk{Text: delta.Text}
			case "input_json_delta":
				toolJSONBuf += delta.PartialJSON
			}
		case "content_block_stop":
			if currentToolID != "" {
				out <- Chunk{ToolCall: &ToolCall{ID: currentToolID, Name: currentToolName, Arguments: toolJSONBuf}}
				currentToolID, currentToolName, toolJSONBuf = "", "", ""
			}
		case "message_delta":
			md := event.AsMessageDelta()
			outputTokens = int(md.Usage.OutputTokens)
		case "message_stop":
			out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- Chunk{Err: fmt.Errorf("anthropic stream: %w", err), Done: true}
	}
}
