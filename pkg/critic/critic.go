package critic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/go-go-golems/sokrates/pkg/chat"
	"github.com/go-go-golems/sokrates/pkg/conversation"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

// Analysis is the critic's verdict on one user argument. It feeds the
// socratic persona's system instruction for the visible reply.
type Analysis struct {
	IdentifiedFallacy     string `json:"identified_fallacy"`
	Reasoning             string `json:"reasoning"`
	AdversarialStrategy   string `json:"adversarial_strategy"`
	ThoughtExperimentIdea string `json:"thought_experiment_idea"`
}

// analysisSchema is what the model is asked to produce and what we accept
// back. Responses that do not conform fall back to a neutral analysis.
const analysisSchema = `{
	"type": "object",
	"required": ["identified_fallacy", "reasoning", "adversarial_strategy", "thought_experiment_idea"],
	"properties": {
		"identified_fallacy": {"type": "string"},
		"reasoning": {"type": "string"},
		"adversarial_strategy": {"type": "string"},
		"thought_experiment_idea": {"type": "string"}
	}
}`

const criticSystemInstruction = "You are 'The Critic'. You analyze arguments for logical flaws. You output ONLY JSON."

const criticPromptTemplate = `CONTEXT ON USER:
%s

USER INPUT:
%q

TASK:
1. Identify logical fallacies or cognitive biases.
2. Determine the 'Intellectual Struggle' strategy.
3. Output PURE JSON.

Output Schema:
{
    "identified_fallacy": "Name of fallacy or 'None'",
    "reasoning": "Brief explanation of flaws.",
    "adversarial_strategy": "Specific instruction for Socrates.",
    "thought_experiment_idea": "A hypothetical scenario to test consistency."
}`

// Critic runs the hidden analysis pass. It issues its own blocking request
// outside the conversation history, so the analysis never shows up as a
// turn.
type Critic struct {
	client   chat.ModelClient
	settings *settings.StepSettings
	schema   *gojsonschema.Schema
}

func NewCritic(ss *settings.StepSettings, client chat.ModelClient) (*Critic, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(analysisSchema))
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile analysis schema")
	}
	return &Critic{
		client:   client,
		settings: ss,
		schema:   schema,
	}, nil
}

// Analyze asks the model for a JSON analysis of the user's argument.
// Transport and auth failures propagate; a malformed or non-conforming
// payload degrades to FallbackAnalysis so the dialogue can continue.
func (c *Critic) Analyze(ctx context.Context, userInput string, profileContext string) (*Analysis, error) {
	model := settings.DefaultEngine
	if c.settings != nil && c.settings.Chat != nil && c.settings.Chat.Engine != nil {
		model = *c.settings.Chat.Engine
	}

	req := &chat.Request{
		Model:             model,
		SystemInstruction: criticSystemInstruction,
		Messages: []chat.PromptMessage{
			{
				Role: conversation.RoleUser,
				Text: fmt.Sprintf(criticPromptTemplate, profileContext, userInput),
			},
		},
		ResponseMIMEType: "application/json",
	}

	resp, err := c.client.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	analysis, err := c.parse(resp.Text)
	if err != nil {
		log.Warn().Err(err).Msg("critic returned malformed analysis, using fallback")
		return FallbackAnalysis(err), nil
	}
	return analysis, nil
}

func (c *Critic) parse(text string) (*Analysis, error) {
	result, err := c.schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return nil, errors.Wrap(err, "analysis is not valid JSON")
	}
	if !result.Valid() {
		return nil, errors.Errorf("analysis does not match schema: %v", result.Errors())
	}

	analysis := &Analysis{}
	if err := json.Unmarshal([]byte(text), analysis); err != nil {
		return nil, errors.Wrap(err, "failed to decode analysis")
	}
	return analysis, nil
}

// FallbackAnalysis is the neutral analysis used when the critic's output
// cannot be parsed.
func FallbackAnalysis(cause error) *Analysis {
	reasoning := "Failed to parse analysis."
	if cause != nil {
		reasoning = fmt.Sprintf("Failed to parse analysis: %s", cause)
	}
	return &Analysis{
		IdentifiedFallacy:     "Error",
		Reasoning:             reasoning,
		AdversarialStrategy:   "Ask for clarification",
		ThoughtExperimentIdea: "None",
	}
}

// SocraticSystemPrompt renders the persona instruction for the visible
// reply, parameterized by the critic's strategy.
func SocraticSystemPrompt(analysis *Analysis) string {
	return fmt.Sprintf(`You are 'The Generative Socratic Dialogue Partner'.

CRITIC'S STRATEGY: %s
THOUGHT EXPERIMENT: %s
REASONING: %s

TONE:
- Do NOT lecture.
- Ask probing questions.
- Your goal is 'Aporia' (puzzlement) in the user.`,
		analysis.AdversarialStrategy,
		analysis.ThoughtExperimentIdea,
		analysis.Reasoning)
}
