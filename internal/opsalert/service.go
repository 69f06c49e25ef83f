// Package opsalert pushes operator alerts to a Telegram chat when monitoring
// runs fail or detect delays.
package opsalert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/monitor"
	"trafficwatch/internal/notify"
	logx "trafficwatch/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int // 0 means 20
}

// Sender is the outbound surface, split out so tests can fake Telegram.
type Sender interface {
	Send(text string) error
}

// Service consumes bus events and forwards the alert-worthy ones
// (monitor.failed, monitor.delay_detected, notify.failed) to the operator
// chat. One worker, token-bucket limited; bursts beyond the bus buffer drop.
type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("ops alert requires token and chat_id")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return newService(cfg, &teleSender{bot: bot, chatID: cfg.ChatID}, bus, log), nil
}

func newService(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 20
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60), 5),
	}
}

// SetRate swaps the alert rate at runtime.
func (s *Service) SetRate(perMin int) {
	if s == nil || perMin <= 0 {
		return
	}
	s.limiter.SetLimit(rate.Limit(float64(perMin) / 60))
}

// Run consumes bus events until ctx ends. Meant for supervisor.GoRestart.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			text := formatAlert(ev)
			if text == "" {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := s.sender.Send(text); err != nil {
				s.log.Warn("operator alert failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// formatAlert returns "" for events that don't warrant an operator alert.
func formatAlert(ev eventbus.Event) string {
	switch ev.Type {
	case "monitor.failed":
		if d, ok := ev.Data.(monitor.Event); ok {
			return fmt.Sprintf("🔴 monitoring failed\nroute: %s\nerror: %s", d.RouteID, d.Error)
		}
	case "monitor.delay_detected":
		if d, ok := ev.Data.(monitor.Event); ok {
			return fmt.Sprintf("🟠 delay detected\nroute: %s\ndelay: %d min", d.RouteID, d.DelayMinutes)
		}
	case "notify.failed":
		if d, ok := ev.Data.(notify.ChannelEvent); ok {
			return fmt.Sprintf("🔴 customer notification failed\nroute: %s\n%s", d.RouteID, d.Error)
		}
	}
	return ""
}

type teleSender struct {
	bot    *tele.Bot
	chatID int64
}

func (t *teleSender) Send(text string) error {
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text)
	return err
}
