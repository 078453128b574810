package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/toolchat/internal/config"
)

// ChatCompletionsAPI is the subset of the OpenAI client used here.
type ChatCompletionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI generates responses with any OpenAI-compatible Chat Completions
// endpoint, such as a self-hosted gpt-oss model.
type OpenAI struct {
	chat  ChatCompletionsAPI
	model string
}

// NewOpenAI creates an OpenAI generator over chat.
func NewOpenAI(chat ChatCompletionsAPI, model string) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("chat completions client is required")
	}
	if model == "" {
		return nil, errors.New("model name is required")
	}
	return &OpenAI{chat: chat, model: model}, nil
}

// NewOpenAIFromConfig builds the client from cfg.BaseURL and cfg.APIKey.
func NewOpenAIFromConfig(cfg config.LLMConfig) (*OpenAI, error) {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return NewOpenAI(&client.Chat.Completions, cfg.Model)
}

// Name implements Generator.
func (o *OpenAI) Name() string { return ProviderGPTOSS }

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
		Temperature: openai.Float(params.Temperature),
	}
	if params.MaxTokens > 0 {
		body.MaxTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.TopP > 0 {
		body.TopP = openai.Float(params.TopP)
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			body.Messages = append(body.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			body.Messages = append(body.Messages, openai.AssistantMessage(m.Content))
		default:
			body.Messages = append(body.Messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := o.chat.New(ctx, body)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: ProviderGPTOSS, Kind: KindUnknown, Err: errors.New("response has no choices")}
	}

	return &Result{
		Content:      completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		StopReason:   completion.Choices[0].FinishReason,
	}, nil
}

func wrapOpenAIError(err error) error {
	pe := &ProviderError{Provider: ProviderGPTOSS, Kind: KindUnknown, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe.Kind = kindFromStatus(apiErr.StatusCode)
		pe.Code = apiErr.Code
	} else if errors.Is(err, context.DeadlineExceeded) {
		pe.Kind = KindUnavailable
	}
	return fmt.Errorf("openai chat completion: %w", pe)
}
