package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

type fakeChannel struct {
	tag        string
	configured bool
	err        string
	sent       []Delivery
}

func (c *fakeChannel) Type() string  { return c.tag }
func (c *fakeChannel) CanSend() bool { return c.configured }

func (c *fakeChannel) Send(ctx context.Context, d Delivery) traffic.ChannelResult {
	c.sent = append(c.sent, d)
	res := traffic.ChannelResult{
		Channel:   c.tag,
		Recipient: d.Recipient,
		SentAt:    time.Now(),
	}
	if c.err != "" {
		res.Error = c.err
		return res
	}
	res.Success = true
	return res
}

type fakeGen struct {
	err error
}

func (g fakeGen) Generate(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "generated " + channel + " message for " + routeID, nil
}

func bothChannelsRoute() traffic.Route {
	return traffic.Route{
		RouteID:                  "R-1",
		Origin:                   "A",
		Destination:              "B",
		EstimatedDurationMinutes: 30,
		CustomerEmail:            "c@example.com",
		CustomerPhone:            "+15551234567",
		DelayThresholdMinutes:    15,
	}
}

func snapshotWithDelay(delay int) traffic.Snapshot {
	return traffic.Snapshot{RouteID: "R-1", DelayMinutes: delay}
}

func TestDispatchBothChannelsSucceed(t *testing.T) {
	email := &fakeChannel{tag: traffic.ChannelEmail, configured: true}
	sms := &fakeChannel{tag: traffic.ChannelSMS, configured: true}
	d := NewDispatcher(NewRegistry(email, sms), fakeGen{}, logx.Nop(), nil, 100)

	out := d.Dispatch(context.Background(), bothChannelsRoute(), snapshotWithDelay(25))
	if !out.Success {
		t.Fatalf("expected success: %+v", out)
	}
	if out.Type != traffic.NotifyBoth {
		t.Fatalf("expected type both, got %q", out.Type)
	}
	if out.Message != "generated email message for R-1" {
		t.Fatalf("outcome must carry the email text, got %q", out.Message)
	}
	if out.Error != "" {
		t.Fatalf("unexpected aggregate error: %q", out.Error)
	}
	if len(email.sent) != 1 || len(sms.sent) != 1 {
		t.Fatalf("expected one delivery per channel, got %d/%d", len(email.sent), len(sms.sent))
	}
}

func TestDispatchPartialFailureIsSuccess(t *testing.T) {
	email := &fakeChannel{tag: traffic.ChannelEmail, configured: true, err: "E1"}
	sms := &fakeChannel{tag: traffic.ChannelSMS, configured: true}
	d := NewDispatcher(NewRegistry(email, sms), fakeGen{}, logx.Nop(), nil, 100)

	out := d.Dispatch(context.Background(), bothChannelsRoute(), snapshotWithDelay(25))
	if !out.Success {
		t.Fatal("one succeeding channel must make the outcome successful")
	}
	if out.Error != "" {
		t.Fatalf("partial failure must not set the aggregate error, got %q", out.Error)
	}
	// The email text is recorded even though the email delivery failed.
	if out.Message != "generated email message for R-1" {
		t.Fatalf("got message %q", out.Message)
	}
}

func TestDispatchAllFailedAggregatesErrors(t *testing.T) {
	email := &fakeChannel{tag: traffic.ChannelEmail, configured: true, err: "E1"}
	sms := &fakeChannel{tag: traffic.ChannelSMS, configured: true, err: "E2"}
	d := NewDispatcher(NewRegistry(email, sms), fakeGen{}, logx.Nop(), nil, 100)

	out := d.Dispatch(context.Background(), bothChannelsRoute(), snapshotWithDelay(25))
	if out.Success {
		t.Fatal("expected failure")
	}
	if !strings.HasPrefix(out.Error, "all notifications failed: ") {
		t.Fatalf("unexpected aggregate prefix: %q", out.Error)
	}
	if !strings.Contains(out.Error, "email: E1") || !strings.Contains(out.Error, "sms: E2") {
		t.Fatalf("aggregate must name every channel error: %q", out.Error)
	}
}

func TestDispatchUnconfiguredChannelFails(t *testing.T) {
	email := &fakeChannel{tag: traffic.ChannelEmail, configured: true}
	sms := &fakeChannel{tag: traffic.ChannelSMS, configured: false}
	d := NewDispatcher(NewRegistry(email, sms), fakeGen{}, logx.Nop(), nil, 100)

	out := d.Dispatch(context.Background(), bothChannelsRoute(), snapshotWithDelay(25))
	if !out.Success {
		t.Fatal("configured email channel should still succeed")
	}
	if len(sms.sent) != 0 {
		t.Fatal("unconfigured channel must not receive a delivery")
	}
}

func TestDispatchGenerationFailure(t *testing.T) {
	email := &fakeChannel{tag: traffic.ChannelEmail, configured: true}
	d := NewDispatcher(NewRegistry(email), fakeGen{err: errors.New("llm down")}, logx.Nop(), nil, 100)

	route := bothChannelsRoute()
	route.CustomerPhone = ""
	out := d.Dispatch(context.Background(), route, snapshotWithDelay(25))
	if out.Success {
		t.Fatal("expected failure when message generation fails")
	}
	if out.Message != "no email message generated" {
		t.Fatalf("expected fallback message, got %q", out.Message)
	}
	if len(email.sent) != 0 {
		t.Fatal("no delivery may be attempted without a message")
	}
}

func TestDispatchNoChannelsAvailable(t *testing.T) {
	d := NewDispatcher(NewRegistry(), fakeGen{}, logx.Nop(), nil, 100)
	route := bothChannelsRoute()
	route.CustomerEmail = ""
	route.CustomerPhone = ""

	out := d.Dispatch(context.Background(), route, snapshotWithDelay(25))
	if out.Success {
		t.Fatal("expected failure with no recipients")
	}
	if out.Message != "no email message generated" {
		t.Fatalf("got %q", out.Message)
	}
}

func TestRegistryAvailableSorted(t *testing.T) {
	r := NewRegistry(
		&fakeChannel{tag: traffic.ChannelSMS, configured: true},
		&fakeChannel{tag: traffic.ChannelEmail, configured: true},
		&fakeChannel{tag: "pigeon", configured: false},
	)
	got := r.Available()
	if len(got) != 2 || got[0] != "email" || got[1] != "sms" {
		t.Fatalf("unexpected available channels: %v", got)
	}
}
