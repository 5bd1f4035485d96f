package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		text string
		want dialogue.Action
	}{
		{"I'd like to book a cleaning", dialogue.ActionBook},
		{"can I schedule an appointment for next week", dialogue.ActionBook},
		{"I need to cancel my appointment", dialogue.ActionCancel},
		{"I can't make it on Tuesday", dialogue.ActionCancel},
		{"I need to reschedule", dialogue.ActionReschedule},
		{"can I move my appointment to Friday", dialogue.ActionReschedule},
		{"let me talk to the front desk", dialogue.ActionEscalate},
		{"what's the weather", dialogue.ActionUnknown},
		{"", dialogue.ActionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := KeywordClassifier{}.ClassifyIntent(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Action)
			if tt.want == dialogue.ActionUnknown {
				assert.Zero(t, got.Confidence)
			} else {
				assert.Greater(t, got.Confidence, 0.5)
			}
		})
	}
}

func TestParseIntent(t *testing.T) {
	got, err := parseIntent("```json\n{\"action\": \"Cancel\", \"confidence\": 0.92}\n```")
	require.NoError(t, err)
	assert.Equal(t, dialogue.Intent{Action: dialogue.ActionCancel, Confidence: 0.92}, got)

	got, err = parseIntent(`{"action":"book","confidence":3}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)

	_, err = parseIntent("I think they want to book")
	assert.Error(t, err)
	_, err = parseIntent(`{"action":"refund","confidence":0.9}`)
	assert.ErrorContains(t, err, "unsupported action")
	_, err = parseIntent(`{"action":`)
	assert.Error(t, err)
}

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func converseText(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		}},
	}
}

func TestBedrockClassifier(t *testing.T) {
	api := &fakeConverse{out: converseText(`{"action":"reschedule","confidence":0.8}`)}
	c := NewBedrockClassifier(api, "anthropic.claude-3-haiku")

	got, err := c.ClassifyIntent(context.Background(), "I need a different day")
	require.NoError(t, err)
	assert.Equal(t, dialogue.ActionReschedule, got.Action)

	require.NotNil(t, api.input)
	assert.Equal(t, "anthropic.claude-3-haiku", *api.input.ModelId)
	require.Len(t, api.input.Messages, 1)
	block := api.input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText)
	assert.Equal(t, "Caller said: I need a different day", block.Value)
}

func TestBedrockClassifierErrors(t *testing.T) {
	_, err := NewBedrockClassifier(&fakeConverse{}, "").ClassifyIntent(context.Background(), "hi")
	assert.ErrorContains(t, err, "model id")

	_, err = NewBedrockClassifier(&fakeConverse{err: errors.New("throttled")}, "m").ClassifyIntent(context.Background(), "hi")
	assert.ErrorContains(t, err, "throttled")

	_, err = NewBedrockClassifier(&fakeConverse{out: &bedrockruntime.ConverseOutput{}}, "m").ClassifyIntent(context.Background(), "hi")
	assert.Error(t, err)

	assert.Panics(t, func() { NewBedrockClassifier(nil, "m") })
}

type fakeGemini struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (f fakeGemini) GenerateContent(context.Context, ...genai.Part) (*genai.GenerateContentResponse, error) {
	return f.resp, f.err
}

func TestGeminiClassifier(t *testing.T) {
	c := &GeminiClassifier{model: fakeGemini{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewUserContent(genai.Text(`{"action":"book","confidence":0.7}`))}},
	}}}
	got, err := c.ClassifyIntent(context.Background(), "hello I want to come in")
	require.NoError(t, err)
	assert.Equal(t, dialogue.Intent{Action: dialogue.ActionBook, Confidence: 0.7}, got)
	assert.NoError(t, c.Close())

	c = &GeminiClassifier{model: fakeGemini{resp: &genai.GenerateContentResponse{}}}
	_, err = c.ClassifyIntent(context.Background(), "hi")
	assert.ErrorContains(t, err, "no candidates")

	_, err = NewGeminiClassifier(context.Background(), " ", "")
	assert.Error(t, err)
}

type stubClassifier struct {
	intent dialogue.Intent
	err    error
	calls  int
}

func (s *stubClassifier) ClassifyIntent(context.Context, string) (dialogue.Intent, error) {
	s.calls++
	return s.intent, s.err
}

func TestChainFallsBackInOrder(t *testing.T) {
	primary := &stubClassifier{err: errors.New("bedrock down")}
	secondary := &stubClassifier{err: errors.New("gemini down")}
	chain := NewChain(logging.Discard()).
		Then("bedrock", primary).
		Then("gemini", secondary).
		Then("keywords", KeywordClassifier{})

	got, err := chain.ClassifyIntent(context.Background(), "cancel please")
	require.NoError(t, err)
	assert.Equal(t, dialogue.ActionCancel, got.Action)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
	assert.Equal(t, 3, chain.Len())
}

func TestChainStopsAtFirstAnswer(t *testing.T) {
	primary := &stubClassifier{intent: dialogue.Intent{Action: dialogue.ActionBook, Confidence: 0.9}}
	secondary := &stubClassifier{}
	chain := NewChain(logging.Discard()).Then("bedrock", primary).Then("gemini", nil).Then("keywords", secondary)

	got, err := chain.ClassifyIntent(context.Background(), "book")
	require.NoError(t, err)
	assert.Equal(t, dialogue.ActionBook, got.Action)
	assert.Zero(t, secondary.calls)
	assert.Equal(t, 2, chain.Len())
}

func TestChainAllFail(t *testing.T) {
	chain := NewChain(logging.Discard()).Then("bedrock", &stubClassifier{err: errors.New("down")})
	_, err := chain.ClassifyIntent(context.Background(), "hi")
	assert.ErrorContains(t, err, "bedrock: down")

	_, err = NewChain(nil).ClassifyIntent(context.Background(), "hi")
	assert.Error(t, err)
}
