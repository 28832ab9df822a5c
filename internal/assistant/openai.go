// ABOUTME: Backend implementation over the OpenAI Assistants (threads/runs) API
// ABOUTME: Translates openai-go run and message types into gateway types

package assistant

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIBackend runs a configured assistant through openai-go.
type OpenAIBackend struct {
	client      openai.Client
	assistantID string
}

// NewOpenAIBackend creates a backend. baseURL may be empty.
func NewOpenAIBackend(apiKey, assistantID, baseURL string) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{
		client:      openai.NewClient(opts...),
		assistantID: assistantID,
	}
}

func (b *OpenAIBackend) CreateThreadAndRun(ctx context.Context, text string) (*Run, error) {
	run, err := b.client.Beta.Threads.NewAndRun(ctx, openai.BetaThreadNewAndRunParams{
		AssistantID: b.assistantID,
		Thread: openai.BetaThreadNewAndRunParamsThread{
			Messages: []openai.BetaThreadNewAndRunParamsThreadMessage{{
				Content: openai.BetaThreadNewAndRunParamsThreadMessageContentUnion{OfString: openai.String(text)},
				Role:    "user",
			}},
		},
	})
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

func (b *OpenAIBackend) AddMessage(ctx context.Context, threadID, text string) error {
	_, err := b.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(text)},
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
	})
	return err
}

func (b *OpenAIBackend) CreateRun(ctx context.Context, threadID string) (*Run, error) {
	run, err := b.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: b.assistantID,
	})
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

func (b *OpenAIBackend) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	run, err := b.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

func (b *OpenAIBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs)),
	}
	for _, out := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			Output:     openai.String(out.Output),
			ToolCallID: openai.String(out.CallID),
		})
	}

	run, err := b.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadID, runID, params)
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

func (b *OpenAIBackend) LatestReply(ctx context.Context, threadID string) (string, bool, error) {
	page, err := b.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return "", false, err
	}

	for _, msg := range page.Data {
		if msg.Role == openai.MessageRoleUser {
			continue
		}
		if len(msg.Content) > 0 && msg.Content[0].Type == "text" {
			return msg.Content[0].Text.Value, true, nil
		}
	}
	return "", false, nil
}

func convertRun(run *openai.Run) *Run {
	out := &Run{
		ID:       run.ID,
		ThreadID: run.ThreadID,
		Status:   string(run.Status),
	}
	if run.Status == openai.RunStatusRequiresAction {
		for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}
	return out
}
