package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/toolchat/internal/config"
)

// MessagesAPI is the subset of the Anthropic client used here. It is
// satisfied by *sdk.MessageService.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic generates responses with the Anthropic Messages API.
type Anthropic struct {
	msg   MessagesAPI
	model string
}

// NewAnthropic creates an Anthropic generator over msg.
func NewAnthropic(msg MessagesAPI, model string) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Anthropic{msg: msg, model: model}, nil
}

// NewAnthropicFromConfig builds the client from cfg.APIKey.
func NewAnthropicFromConfig(cfg config.LLMConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return NewAnthropic(&client.Messages, cfg.Model)
}

// Name implements Generator.
func (a *Anthropic) Name() string { return ProviderAnthropic }

// Generate implements Generator. Only temperature is forwarded; Claude
// models reject temperature and top_p together.
func (a *Anthropic) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}

	system, dialogue := split(messages)
	body := sdk.MessageNewParams{
		MaxTokens:   int64(params.MaxTokens),
		Model:       sdk.Model(a.model),
		Messages:    make([]sdk.MessageParam, 0, len(dialogue)),
		Temperature: sdk.Float(params.Temperature),
	}
	for _, s := range system {
		body.System = append(body.System, sdk.TextBlockParam{Text: s})
	}
	for _, m := range dialogue {
		if m.Role == RoleAssistant {
			body.Messages = append(body.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			continue
		}
		body.Messages = append(body.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
	}

	msg, err := a.msg.New(ctx, body)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	if msg == nil {
		return nil, &ProviderError{Provider: ProviderAnthropic, Kind: KindUnknown, Err: errors.New("response message is nil")}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &Result{
		Content:      b.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}

func wrapAnthropicError(err error) error {
	pe := &ProviderError{Provider: ProviderAnthropic, Kind: KindUnknown, Err: err}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		pe.Kind = kindFromStatus(apiErr.StatusCode)
	} else if errors.Is(err, context.DeadlineExceeded) {
		pe.Kind = KindUnavailable
	}
	return fmt.Errorf("anthropic messages.new: %w", pe)
}
