// Package mailer delivers delay notifications by email through the Mailjet
// v3.1 send API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trafficwatch/internal/notify"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

const defaultEndpoint = "https://api.mailjet.com/v3.1/send"

type Config struct {
	APIKey    string
	SecretKey string
	FromEmail string // defaults to noreply@deliveryservice.com
	FromName  string // defaults to Delivery Service
	Endpoint  string
	Timeout   time.Duration
}

// Channel implements notify.Channel over Mailjet.
type Channel struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

var _ notify.Channel = (*Channel)(nil)

func New(cfg Config, log logx.Logger) *Channel {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "noreply@deliveryservice.com"
	}
	if cfg.FromName == "" {
		cfg.FromName = "Delivery Service"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (c *Channel) Type() string { return traffic.ChannelEmail }

func (c *Channel) CanSend() bool {
	return strings.TrimSpace(c.cfg.APIKey) != "" && strings.TrimSpace(c.cfg.SecretKey) != ""
}

type sendBody struct {
	Messages []message `json:"Messages"`
}

type message struct {
	From     party   `json:"From"`
	To       []party `json:"To"`
	Subject  string  `json:"Subject"`
	TextPart string  `json:"TextPart"`
}

type party struct {
	Email string `json:"Email"`
	Name  string `json:"Name,omitempty"`
}

func (c *Channel) Send(ctx context.Context, d notify.Delivery) traffic.ChannelResult {
	res := traffic.ChannelResult{
		Channel:   traffic.ChannelEmail,
		Recipient: d.Recipient,
		SentAt:    time.Now(),
	}

	subject := fmt.Sprintf("Delivery Update - %d Minute Delay (Route %s)", d.DelayMinutes, d.RouteID)
	body, err := json.Marshal(sendBody{Messages: []message{{
		From:     party{Email: c.cfg.FromEmail, Name: c.cfg.FromName},
		To:       []party{{Email: d.Recipient, Name: "Customer"}},
		Subject:  subject,
		TextPart: d.Message,
	}}})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.SecretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		res.Error = "mailjet request: " + err.Error()
		return res
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("mailjet status %d", resp.StatusCode)
		return res
	}
	if status := gjson.GetBytes(raw, "Messages.0.Status").String(); status != "success" {
		res.Error = "mailjet send failed: " + status
		return res
	}

	res.Success = true
	c.log.Info("email sent",
		logx.String("route", d.RouteID),
		logx.String("to", d.Recipient),
	)
	return res
}
