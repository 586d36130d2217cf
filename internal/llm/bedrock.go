package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// bedrockDocument wraps a raw JSON schema as the document.Interface Bedrock's
// tool input schema expects.
func bedrockDocument(schema []byte) document.Interface {
	var v any = map[string]any{}
	if len(schema) > 0 {
		_ = json.Unmarshal(schema, &v)
	}
	return document.NewLazyDocument(v)
}

// BedrockProvider implements Provider against AWS Bedrock's ConverseStream
// API, giving access to foundation models hosted there (Anthropic, Amazon
// Titan, Meta Llama) behind one AWS-credentialed client.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region       string
	DefaultModel string
}

// NewBedrockProvider constructs a BedrockProvider using the default AWS
// credential chain (environment, shared config, IAM role).
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
	}, nil
}

// Name identifies this provider.
func (p *BedrockProvider) Name() string { return "bedrock" }

// Models lists the foundation models this deployment is configured for.
func (p *BedrockProvider) Models() []Model {
	return []Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", ContextSize: 200_000},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", ContextSize: 200_000},
		{ID: "meta.llama3-1-70b-instruct-v1:0", ContextSize: 128_000},
	}
}

// SupportsTools reports that Bedrock's Converse API supports tool use for
// the models this provider lists.
func (p *BedrockProvider) SupportsTools() bool { return true }

// Complete streams a Bedrock Converse completion.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = toBedrockToolConfig(req.Tools)
	}

	resp, err := p.client.ConverseStream(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	out := make(chan Chunk)
	go processBedrockStream(resp, out)
	return out, nil
}

func toBedrockMessages(messages []Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case "assistant":
			out = append(out, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case "tool":
			out = append(out, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func toBedrockToolConfig(tools []ToolSpec) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: bedrockDocument(t.Schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func processBedrockStream(resp *bedrockruntime.ConverseStreamOutput, out chan<- Chunk) {
	defer close(out)

	var currentToolID, currentToolName, toolJSONBuf string
	stream := resp.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentToolID = aws.ToString(toolUse.Value.ToolUseId)
				currentToolName = aws.ToString(toolUse.Value.Name)
				toolJSONBuf = ""
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				out <- Chunk{Text: d.Value}
			case *types.ContentBlockDeltaMemberToolUse:
				toolJSONBuf += aws.ToString(d.Value.Input)
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentToolID != "" {
				out <- Chunk{ToolCall: &ToolCall{ID: currentToolID, Name: currentToolName, Arguments: toolJSONBuf}}
				currentToolID, currentToolName, toolJSONBuf = "", "", ""
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			out <- Chunk{Done: true}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- Chunk{Err: fmt.Errorf("bedrock stream: %w", err), Done: true}
	}
}
