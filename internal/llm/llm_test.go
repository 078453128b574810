package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/toolchat/internal/config"
)

var conversation = []Message{
	{Role: RoleSystem, Content: "You are helpful."},
	{Role: RoleUser, Content: "Where is my parcel?"},
	{Role: RoleAssistant, Content: "Please share the tracking number."},
	{Role: RoleUser, Content: "AB1234567890"},
}

var defaultParams = Params{MaxTokens: 256, Temperature: 0.7, TopP: 0.9}

type fakeConverse struct {
	mu     sync.Mutex
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = in
	return f.output, f.err
}

func TestBedrockGenerate(t *testing.T) {
	t.Parallel()

	fake := &fakeConverse{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "It is "},
				&brtypes.ContentBlockMemberText{Value: "in transit."},
			},
		}},
		Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(42), OutputTokens: aws.Int32(7)},
		StopReason: brtypes.StopReasonEndTurn,
	}}
	g, err := NewBedrock(fake, "amazon.nova-micro-v1:0", "us-east-1")
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), conversation, defaultParams)
	require.NoError(t, err)
	assert.Equal(t, "It is in transit.", res.Content)
	assert.Equal(t, 42, res.InputTokens)
	assert.Equal(t, 7, res.OutputTokens)

	in := fake.input
	require.NotNil(t, in)
	assert.Equal(t, "amazon.nova-micro-v1:0", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 3)
	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, in.Messages[1].Role)
	assert.Equal(t, int32(256), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.9, aws.ToFloat32(in.InferenceConfig.TopP), 1e-6)
}

func TestBedrockErrorKinds(t *testing.T) {
	t.Parallel()

	cases := map[string]ErrorKind{
		"ThrottlingException":    KindThrottled,
		"ValidationException":    KindInvalidRequest,
		"AccessDeniedException":  KindAuth,
		"ModelNotReadyException": KindUnavailable,
		"SomethingElse":          KindUnknown,
	}
	for code, want := range cases {
		fake := &fakeConverse{err: &smithy.GenericAPIError{Code: code, Message: "boom"}}
		g, err := NewBedrock(fake, "amazon.nova-micro-v1:0", "us-east-1")
		require.NoError(t, err)

		_, err = g.Generate(context.Background(), conversation, defaultParams)
		var pe *ProviderError
		require.ErrorAs(t, err, &pe, code)
		assert.Equal(t, want, pe.Kind, code)
		assert.Equal(t, code, pe.Code)
	}
}

func TestGenerateRejectsEmptyConversation(t *testing.T) {
	t.Parallel()

	g, err := NewBedrock(&fakeConverse{}, "m", "r")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), nil, defaultParams)
	require.ErrorIs(t, err, ErrNoMessages)

	_, err = NewEcho().Generate(context.Background(), []Message{{Role: "tool", Content: "x"}}, defaultParams)
	require.Error(t, err)
}

type fakeChat struct {
	body openai.ChatCompletionNewParams
	resp *openai.ChatCompletion
	err  error
}

func (f *fakeChat) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.body = body
	return f.resp, f.err
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()

	fake := &fakeChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: "Out for delivery."},
			FinishReason: "stop",
		}},
		Usage: openai.CompletionUsage{PromptTokens: 30, CompletionTokens: 4},
	}}
	g, err := NewOpenAI(fake, "gpt-oss-20b")
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), conversation, defaultParams)
	require.NoError(t, err)
	assert.Equal(t, "Out for delivery.", res.Content)
	assert.Equal(t, 30, res.InputTokens)
	assert.Equal(t, 4, res.OutputTokens)
	assert.Len(t, fake.body.Messages, 4)
	assert.Equal(t, ProviderGPTOSS, g.Name())
}

func TestOpenAIErrors(t *testing.T) {
	t.Parallel()

	g, err := NewOpenAI(&fakeChat{resp: &openai.ChatCompletion{}}, "gpt-oss-20b")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), conversation, defaultParams)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)

	g, err = NewOpenAI(&fakeChat{err: context.DeadlineExceeded}, "gpt-oss-20b")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), conversation, defaultParams)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUnavailable, pe.Kind)
	assert.True(t, pe.Temporary())
}

type fakeMessages struct {
	body sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...anthropicoption.RequestOption) (*sdk.Message, error) {
	f.body = body
	return f.resp, f.err
}

func TestAnthropicGenerate(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "Delivered yesterday."}},
		Usage:   sdk.Usage{InputTokens: 12, OutputTokens: 3},
	}}
	g, err := NewAnthropic(fake, "claude-sonnet")
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), conversation, defaultParams)
	require.NoError(t, err)
	assert.Equal(t, "Delivered yesterday.", res.Content)
	assert.Equal(t, 12, res.InputTokens)
	require.Len(t, fake.body.System, 1)
	assert.Equal(t, "You are helpful.", fake.body.System[0].Text)
	assert.Len(t, fake.body.Messages, 3)
	assert.Equal(t, int64(256), fake.body.MaxTokens)
}

func TestKindFromStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindThrottled, kindFromStatus(429))
	assert.Equal(t, KindAuth, kindFromStatus(401))
	assert.Equal(t, KindAuth, kindFromStatus(403))
	assert.Equal(t, KindInvalidRequest, kindFromStatus(400))
	assert.Equal(t, KindUnavailable, kindFromStatus(503))
	assert.Equal(t, KindUnknown, kindFromStatus(302))
}

func TestEchoIncludesToolOutcome(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: RoleSystem, Content: "Persona\n\nTool 'delivery_tracker' was executed successfully with result: in transit"},
		{Role: RoleUser, Content: "track AB1234567890"},
	}
	res, err := NewEcho().Generate(context.Background(), msgs, Params{})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Tool 'delivery_tracker' was executed successfully")
	assert.Contains(t, res.Content, "You said: track AB1234567890")
}

func TestRateLimitedThrottles(t *testing.T) {
	t.Parallel()

	g := NewRateLimited(NewEcho(), 1)
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	_, err := g.Generate(context.Background(), msgs, Params{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, msgs, Params{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindThrottled, pe.Kind)
	assert.Equal(t, ProviderEcho, g.Name())
}

func TestNewResolvesProviders(t *testing.T) {
	t.Parallel()

	cfg := config.Default().LLM
	cfg.Provider = ProviderEcho
	g, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, ProviderEcho, g.Name())

	cfg.RequestsPerMinute = 30
	g, err = New(cfg)
	require.NoError(t, err)
	_, limited := g.(*RateLimited)
	assert.True(t, limited)

	cfg.Provider = "nope"
	_, err = New(cfg)
	require.ErrorIs(t, err, ErrUnknownProvider)

	cfg.Provider = ProviderAnthropic
	cfg.APIKey = ""
	_, err = New(cfg)
	require.Error(t, err)
}

func TestApproximateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ApproximateTokens(""))
	assert.Equal(t, 3, ApproximateTokens("abcdefghijkl"))
	assert.Equal(t, 5, ApproximateTokens("a b c d e"))
	assert.Equal(t, "user: hi\nassistant: hello", FormatForCounting([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}))
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	c := EstimateCost("amazon.nova-micro-v1:0", 1000, 1000)
	assert.InDelta(t, 0.000035, c.InputCost, 1e-9)
	assert.InDelta(t, 0.00014, c.OutputCost, 1e-9)
	assert.InDelta(t, 0.000175, c.TotalCost, 1e-9)
	assert.Equal(t, "USD", c.Currency)

	generic := EstimateCost("unknown", 1000, 0)
	assert.InDelta(t, 0.0001, generic.InputCost, 1e-9)
}

func TestProviderErrorUnwraps(t *testing.T) {
	t.Parallel()

	root := errors.New("root cause")
	err := &ProviderError{Provider: "x", Kind: KindAuth, Err: root}
	assert.ErrorIs(t, err, root)
	assert.False(t, err.Temporary())
}
