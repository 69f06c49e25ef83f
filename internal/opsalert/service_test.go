package opsalert

import (
	"context"
	"strings"
	"testing"
	"time"

	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/monitor"
	"trafficwatch/internal/notify"
	logx "trafficwatch/pkg/logx"
)

type fakeSender struct{ texts chan string }

func (f *fakeSender) Send(text string) error {
	f.texts <- text
	return nil
}

func TestNewDisabledReturnsNil(t *testing.T) {
	svc, err := New(Config{Enabled: false}, eventbus.New(), logx.Nop())
	if err != nil || svc != nil {
		t.Fatalf("disabled config: svc=%v err=%v", svc, err)
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	if _, err := New(Config{Enabled: true}, eventbus.New(), logx.Nop()); err == nil {
		t.Fatal("expected error for missing token and chat_id")
	}
	if _, err := New(Config{Enabled: true, Token: "t"}, eventbus.New(), logx.Nop()); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}

func TestFormatAlert(t *testing.T) {
	cases := []struct {
		name string
		ev   eventbus.Event
		want []string
	}{
		{
			name: "monitor failed",
			ev: eventbus.Event{Type: "monitor.failed", Data: monitor.Event{
				RouteID: "R-1", Error: "fetch blew up",
			}},
			want: []string{"monitoring failed", "R-1", "fetch blew up"},
		},
		{
			name: "delay detected",
			ev: eventbus.Event{Type: "monitor.delay_detected", Data: monitor.Event{
				RouteID: "R-2", DelayMinutes: 25,
			}},
			want: []string{"delay detected", "R-2", "25 min"},
		},
		{
			name: "notification failed",
			ev: eventbus.Event{Type: "notify.failed", Data: notify.ChannelEvent{
				RouteID: "R-3", Error: "all notifications failed: email: 401",
			}},
			want: []string{"notification failed", "R-3", "email: 401"},
		},
	}
	for _, tc := range cases {
		text := formatAlert(tc.ev)
		if text == "" {
			t.Fatalf("%s: no alert produced", tc.name)
		}
		for _, w := range tc.want {
			if !strings.Contains(text, w) {
				t.Fatalf("%s: alert %q missing %q", tc.name, text, w)
			}
		}
	}
}

func TestFormatAlertIgnoresQuietEvents(t *testing.T) {
	quiet := []eventbus.Event{
		{Type: "monitor.started", Data: monitor.Event{RouteID: "R-1"}},
		{Type: "monitor.completed", Data: monitor.Event{RouteID: "R-1"}},
		{Type: "notify.sent", Data: notify.ChannelEvent{RouteID: "R-1"}},
		{Type: "monitor.failed", Data: "wrong payload type"},
	}
	for _, ev := range quiet {
		if text := formatAlert(ev); text != "" {
			t.Fatalf("event %q produced alert %q", ev.Type, text)
		}
	}
}

func TestRunForwardsAlertEvents(t *testing.T) {
	bus := eventbus.New()
	sender := &fakeSender{texts: make(chan string, 4)}
	svc := newService(Config{Enabled: true, RatePerMin: 600}, sender, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()

	// Give the subscriber time to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: "monitor.started", Data: monitor.Event{RouteID: "R-1"}})
	bus.Publish(eventbus.Event{Type: "monitor.failed", Data: monitor.Event{RouteID: "R-1", Error: "boom"}})

	select {
	case text := <-sender.texts:
		if !strings.Contains(text, "R-1") || !strings.Contains(text, "boom") {
			t.Fatalf("alert = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert forwarded")
	}

	select {
	case text := <-sender.texts:
		t.Fatalf("unexpected extra alert %q", text)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
