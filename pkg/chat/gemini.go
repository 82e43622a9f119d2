package chat

import (
	"context"
	"io"
	"math"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/go-go-golems/sokrates/pkg/conversation"
	"github.com/go-go-golems/sokrates/pkg/events"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

// geminiGenerator performs single attempts against the Gemini API. The
// retry loop lives one level up, in GeminiClient.
type geminiGenerator struct {
	settings *settings.StepSettings
}

var _ generator = (*geminiGenerator)(nil)

// open builds a client and chat session for one attempt. The conversation
// history (all but the last message) is replayed in order; the last user
// message becomes the outgoing part.
func (g *geminiGenerator) open(ctx context.Context, req *Request) (*genai.Client, *genai.ChatSession, genai.Part, error) {
	if g.settings == nil || g.settings.API == nil || !g.settings.API.HasAPIKey() {
		return nil, nil, nil, NewError(KindConfig, "no credential resolved")
	}
	if len(req.Messages) == 0 {
		return nil, nil, nil, NewError(KindValidation, "request has no messages")
	}

	opts := []option.ClientOption{option.WithAPIKey(g.settings.API.APIKey)}
	if g.settings.API.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(g.settings.API.BaseURL))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to create gemini client")
	}

	model := client.GenerativeModel(req.Model)

	cfg := genai.GenerationConfig{}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		cfg.Temperature = &v
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		cfg.TopP = &v
	}
	if req.MaxOutputTokens != nil {
		mt := *req.MaxOutputTokens
		var v int32
		if mt < 0 {
			v = 0
		} else if mt > int(math.MaxInt32) {
			v = math.MaxInt32
		} else {
			v = int32(int64(mt)) // #nosec G115
		}
		cfg.MaxOutputTokens = &v
	}
	if req.ResponseMIMEType != "" {
		cfg.ResponseMIMEType = req.ResponseMIMEType
	}
	model.GenerationConfig = cfg

	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemInstruction)},
		}
	}

	cs := model.StartChat()
	cs.History = historyContents(req.Messages[:len(req.Messages)-1])

	last := req.Messages[len(req.Messages)-1]
	return client, cs, genai.Text(last.Text), nil
}

// historyContents converts prompt messages to the SDK's content format.
// The assistant role maps to "model".
func historyContents(messages []PromptMessage) []*genai.Content {
	var ret []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == conversation.RoleAssistant {
			role = "model"
		}
		ret = append(ret, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Text)},
		})
	}
	return ret
}

func (g *geminiGenerator) generate(ctx context.Context, req *Request) (*Response, error) {
	client, cs, last, err := g.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = client.Close()
	}()

	resp, err := cs.SendMessage(ctx, last)
	if err != nil {
		return nil, err
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	return &Response{
		Text:       text,
		Usage:      usageFromResponse(resp),
		StopReason: stopReasonFromResponse(resp),
	}, nil
}

func (g *geminiGenerator) generateStream(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
	client, cs, last, err := g.open(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	iter := cs.SendMessageStream(ctx, last)
	closer := func() {
		_ = client.Close()
	}
	return &geminiIterator{iter: iter}, closer, nil
}

type geminiIterator struct {
	iter *genai.GenerateContentResponseIterator
}

func (it *geminiIterator) next() (string, error) {
	resp, err := it.iter.Next()
	if err == iterator.Done || errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}

	delta := ""
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if txt, ok := p.(genai.Text); ok {
				delta += string(txt)
			}
		}
	}
	return delta, nil
}

// responseText extracts the reply text. An empty or candidate-less payload
// is a contract mismatch, surfaced as KindProtocol.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", NewError(KindProtocol, "response contains no candidates")
	}

	text := ""
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if txt, ok := p.(genai.Text); ok {
				text += string(txt)
			}
		}
	}
	if text == "" {
		return "", NewError(KindProtocol, "response candidates contain no text parts")
	}
	return text, nil
}

func usageFromResponse(resp *genai.GenerateContentResponse) *events.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	return &events.Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}

func stopReasonFromResponse(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonUnspecified {
			return cand.FinishReason.String()
		}
	}
	return ""
}
