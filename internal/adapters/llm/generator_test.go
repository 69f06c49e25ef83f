package llm

import (
	"context"
	"strings"
	"testing"

	"trafficwatch/internal/traffic"
)

func TestTemplateEmailMessage(t *testing.T) {
	msg, err := Template{}.Generate(context.Background(), "R-1", 25, traffic.ChannelEmail)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(msg, "R-1") || !strings.Contains(msg, "25 minutes") {
		t.Fatalf("email message missing route or delay: %q", msg)
	}
}

func TestTemplateSMSFitsOneSegment(t *testing.T) {
	msg, err := Template{}.Generate(context.Background(), "ROUTE-WITH-A-LONG-ID-12345", 125, traffic.ChannelSMS)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(msg) > smsMaxLen {
		t.Fatalf("sms message too long: %d chars", len(msg))
	}
	if !strings.Contains(msg, "125 min") {
		t.Fatalf("sms message missing delay: %q", msg)
	}
}

func TestBuildPromptChannelAware(t *testing.T) {
	email := buildPrompt("R-1", 25, traffic.ChannelEmail)
	sms := buildPrompt("R-1", 25, traffic.ChannelSMS)
	if email == sms {
		t.Fatal("prompts must differ per channel")
	}
	if !strings.Contains(sms, "SMS") {
		t.Fatalf("sms prompt: %q", sms)
	}
	if !strings.Contains(email, "email") {
		t.Fatalf("email prompt: %q", email)
	}
}
