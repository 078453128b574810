package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ashureev/toolchat/internal/config"
)

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock generates responses with an Amazon Nova model through the
// Bedrock Converse API.
type Bedrock struct {
	runtime ConverseAPI
	modelID string
	region  string
}

// NewBedrock creates a Bedrock generator over runtime.
func NewBedrock(runtime ConverseAPI, modelID, region string) (*Bedrock, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Bedrock{runtime: runtime, modelID: modelID, region: region}, nil
}

// NewBedrockFromConfig builds the runtime client from cfg.Region and the
// standard AWS credential environment variables.
func NewBedrockFromConfig(cfg config.LLMConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		return nil, errors.New("region is required")
	}
	client := bedrockruntime.New(bedrockruntime.Options{
		Region:      cfg.Region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
	})
	return NewBedrock(client, cfg.Model, cfg.Region)
}

func envCredentials(context.Context) (aws.Credentials, error) {
	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "Environment",
	}, nil
}

// Name implements Generator.
func (b *Bedrock) Name() string { return ProviderAmazonNova }

// Generate implements Generator. System messages travel in the Converse
// system field; the rest become user and assistant turns.
func (b *Bedrock) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}

	system, dialogue := split(messages)
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(b.modelID),
		Messages:        encodeBedrockMessages(dialogue),
		InferenceConfig: inferenceConfig(params),
	}
	for _, s := range system {
		input.System = append(input.System, &brtypes.SystemContentBlockMemberText{Value: s})
	}

	slog.Debug("Calling Bedrock converse", "model", b.modelID, "messages", len(input.Messages))

	output, err := b.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(err)
	}
	return translateConverseOutput(output)
}

func encodeBedrockMessages(dialogue []Message) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(dialogue))
	for _, m := range dialogue {
		role := brtypes.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func inferenceConfig(p Params) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if p.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(p.MaxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	cfg.Temperature = aws.Float32(float32(p.Temperature))
	if p.TopP > 0 {
		cfg.TopP = aws.Float32(float32(p.TopP))
	}
	return &cfg
}

func translateConverseOutput(output *bedrockruntime.ConverseOutput) (*Result, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}

	var b strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberText); ok {
				b.WriteString(v.Value)
			}
		}
	}

	res := &Result{Content: b.String(), StopReason: string(output.StopReason)}
	if usage := output.Usage; usage != nil {
		res.InputTokens = int(aws.ToInt32(usage.InputTokens))
		res.OutputTokens = int(aws.ToInt32(usage.OutputTokens))
	}
	return res, nil
}

var bedrockCodeKinds = map[string]ErrorKind{
	"ThrottlingException":         KindThrottled,
	"TooManyRequestsException":    KindThrottled,
	"ValidationException":         KindInvalidRequest,
	"AccessDeniedException":       KindAuth,
	"UnrecognizedClientException": KindAuth,
	"ModelNotReadyException":      KindUnavailable,
	"ModelTimeoutException":       KindUnavailable,
	"ServiceUnavailableException": KindUnavailable,
	"InternalServerException":     KindUnavailable,
}

func wrapBedrockError(err error) error {
	pe := &ProviderError{Provider: ProviderAmazonNova, Kind: KindUnknown, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		if kind, ok := bedrockCodeKinds[pe.Code]; ok {
			pe.Kind = kind
			return pe
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		pe.Kind = kindFromStatus(respErr.HTTPStatusCode())
	}
	if pe.Kind == KindUnknown && errors.Is(err, context.DeadlineExceeded) {
		pe.Kind = KindUnavailable
	}
	return fmt.Errorf("bedrock converse: %w", pe)
}
