// Package llm generates customer-facing delay messages, either through an
// OpenAI chat model or a deterministic template.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// smsMaxLen keeps generated texts inside a single SMS segment.
const smsMaxLen = 160

// Config for the OpenAI-backed generator.
type Config struct {
	APIKey string
	Model  string // defaults to gpt-4o-mini
}

// Generator asks a chat model for a channel-tailored delay message and falls
// back to the template generator on empty completions.
type Generator struct {
	client   openai.Client
	model    string
	log      logx.Logger
	fallback Template
}

func New(cfg Config, log logx.Logger) *Generator {
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &Generator{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
		log:    log,
	}
}

func (g *Generator) Generate(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	prompt := buildPrompt(routeID, delayMinutes, channel)

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You write short, friendly delivery-delay notifications for customers. Plain text only, no markdown, no placeholders."),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	msg := strings.TrimSpace(resp.Choices[0].Message.Content)
	if msg == "" {
		g.log.Warn("empty completion, using template message",
			logx.String("route", routeID),
			logx.String("channel", channel),
		)
		return g.fallback.Generate(ctx, routeID, delayMinutes, channel)
	}
	if channel == traffic.ChannelSMS && len(msg) > smsMaxLen {
		msg = msg[:smsMaxLen-3] + "..."
	}
	return msg, nil
}

func buildPrompt(routeID string, delayMinutes int, channel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A delivery on route %s is delayed by %d minutes due to traffic.\n", routeID, delayMinutes)
	switch channel {
	case traffic.ChannelSMS:
		fmt.Fprintf(&b, "Write an SMS notification for the customer, at most %d characters, one or two sentences.", smsMaxLen)
	default:
		b.WriteString("Write a brief email body for the customer: apologize for the delay, give the new expectation, and thank them for their patience. Three to five sentences.")
	}
	return b.String()
}

// Template is the dependency-free generator used when no API key is
// configured and as the fallback for empty completions.
type Template struct{}

func (Template) Generate(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	_ = ctx
	if channel == traffic.ChannelSMS {
		return fmt.Sprintf("Your delivery (route %s) is running about %d min late due to traffic. Sorry for the inconvenience.", routeID, delayMinutes), nil
	}
	return fmt.Sprintf(
		"Hello,\n\nYour delivery on route %s is currently delayed by approximately %d minutes due to traffic conditions. We are doing our best to get your order to you as soon as possible.\n\nThank you for your patience.",
		routeID, delayMinutes,
	), nil
}
