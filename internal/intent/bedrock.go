package intent

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClassifier asks a Bedrock-hosted model for the caller's intent.
type BedrockClassifier struct {
	api     bedrockConverseAPI
	modelID string
}

var _ dialogue.IntentClassifier = (*BedrockClassifier)(nil)

func NewBedrockClassifier(api bedrockConverseAPI, modelID string) *BedrockClassifier {
	if api == nil {
		panic("intent: bedrock converse client cannot be nil")
	}
	return &BedrockClassifier{api: api, modelID: modelID}
}

func (c *BedrockClassifier) ClassifyIntent(ctx context.Context, text string) (dialogue.Intent, error) {
	if strings.TrimSpace(c.modelID) == "" {
		return dialogue.Intent{}, errors.New("intent: bedrock model id is required")
	}
	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		System:  []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: systemPrompt}},
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: userPrompt(text)}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(64),
			Temperature: aws.Float32(0),
		},
	})
	if err != nil {
		return dialogue.Intent{}, err
	}
	raw, err := bedrockOutputText(out)
	if err != nil {
		return dialogue.Intent{}, err
	}
	return parseIntent(raw)
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("intent: bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("intent: bedrock response did not include a message output")
	}
	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
			builder.WriteString(textBlock.Value)
		}
	}
	if strings.TrimSpace(builder.String()) == "" {
		return "", errors.New("intent: bedrock response contained no text content blocks")
	}
	return builder.String(), nil
}
