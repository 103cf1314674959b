package backend

import (
	"context"
	"errors"
	"esi/internal/models"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel      = "google/gemini-2.5-flash"

	maxAttachmentLines = 500
)

var verbosityPrompts = map[int]string{
	1: "Answer in one or two sentences.",
	2: "Answer concisely, in a short paragraph or a few bullet points.",
	3: "Answer with a balanced level of detail.",
	4: "Answer in detail, covering background and caveats.",
	5: "Answer exhaustively, with thorough explanations and examples.",
}

const researchPrompt = "You are a research assistant. Use Markdown. Cite sources when you state facts."

// AvailableModels lists the provider models offered in the settings panel.
var AvailableModels = []models.AIModel{
	{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "Google", Description: "Fast, default"},
	{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "Google", Description: "Stronger reasoning"},
	{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", Provider: "OpenAI", Description: "Small and cheap"},
	{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", Provider: "Anthropic", Description: "Long answers"},
}

// OpenAIClient sends transcripts to an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client openai.Client
	model  string
	log    *zap.Logger
}

func NewOpenAIClient(apiKey, baseURL, model string, log *zap.Logger, opts ...option.RequestOption) *OpenAIClient {
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = zap.NewNop()
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHeader("X-Title", "esi"),
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		model:  model,
		log:    log,
	}
}

func systemPrompt(verbosity int) string {
	p, ok := verbosityPrompts[verbosity]
	if !ok {
		p = verbosityPrompts[3]
	}
	return researchPrompt + " " + p
}

// attachmentBlock renders a file as a fenced block appended to the last user turn.
func attachmentBlock(a *models.Attachment) string {
	if a == nil {
		return ""
	}
	if !utf8.Valid(a.Data) {
		return fmt.Sprintf("\n\n[attached file %s: binary content omitted]", a.Name)
	}
	lines := strings.Split(string(a.Data), "\n")
	truncated := false
	if len(lines) > maxAttachmentLines {
		lines = lines[:maxAttachmentLines]
		truncated = true
	}
	var sb strings.Builder
	sb.WriteString("\n\n--- ")
	sb.WriteString(a.Name)
	sb.WriteString(" ---\n```\n")
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n```")
	if truncated {
		sb.WriteString(fmt.Sprintf("\n[truncated to %d lines]", maxAttachmentLines))
	}
	return sb.String()
}

func (c *OpenAIClient) params(req Request) openai.ChatCompletionNewParams {
	history := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt(req.Options.Verbosity)),
	}
	lastUser := -1
	for i, t := range req.Turns {
		if t.Role == models.RoleUser {
			lastUser = i
		}
	}
	for i, t := range req.Turns {
		switch t.Role {
		case models.RoleAssistant:
			history = append(history, openai.AssistantMessage(t.Content))
		default:
			content := t.Content
			if i == lastUser {
				content += attachmentBlock(req.Attachment)
			}
			history = append(history, openai.UserMessage(content))
		}
	}

	model := c.model
	if req.Options.Model != "" {
		model = req.Options.Model
	}
	return openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    history,
		Temperature: openai.Float(req.Options.Temperature),
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty response from model")
	}
	c.log.Debug("completion finished",
		zap.String("model", resp.Model),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

// Stream relays the provider's SSE chunks as delta events followed by done.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, ch, Event{Type: EventDelta, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, Event{Type: EventError, Message: err.Error()})
			return
		}
		send(ctx, ch, Event{Type: EventDone})
	}()
	return ch, nil
}

// ThinkingPhrases returns the built-in phrase set; provider APIs have none.
func (c *OpenAIClient) ThinkingPhrases(context.Context) ([]string, error) {
	return []string{DefaultPhrase, "Researching…", "Reading sources…", "Drafting an answer…"}, nil
}
