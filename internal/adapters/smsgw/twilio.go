// Package smsgw delivers delay notifications by SMS through the Twilio
// messages API.
package smsgw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trafficwatch/internal/notify"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Endpoint   string // override for tests; defaults to the Twilio API
	Timeout    time.Duration
}

// Channel implements notify.Channel over Twilio.
type Channel struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

var _ notify.Channel = (*Channel)(nil)

func New(cfg Config, log logx.Logger) *Channel {
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", url.PathEscape(cfg.AccountSID))
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

func (c *Channel) Type() string { return traffic.ChannelSMS }

func (c *Channel) CanSend() bool {
	return strings.TrimSpace(c.cfg.AccountSID) != "" &&
		strings.TrimSpace(c.cfg.AuthToken) != "" &&
		strings.TrimSpace(c.cfg.FromNumber) != ""
}

func (c *Channel) Send(ctx context.Context, d notify.Delivery) traffic.ChannelResult {
	res := traffic.ChannelResult{
		Channel:   traffic.ChannelSMS,
		Recipient: d.Recipient,
		SentAt:    time.Now(),
	}

	form := url.Values{}
	form.Set("To", d.Recipient)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", fmt.Sprintf("Delivery Update (%s): %s", d.RouteID, d.Message))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		res.Error = "twilio request: " + err.Error()
		return res
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		res.Error = "twilio send failed: " + msg
		return res
	}

	c.log.Info("sms sent",
		logx.String("route", d.RouteID),
		logx.String("to", MaskPhone(d.Recipient)),
		logx.String("sid", gjson.GetBytes(raw, "sid").String()),
	)
	res.Success = true
	return res
}

// MaskPhone hides all but the last four digits.
func MaskPhone(phone string) string {
	digitsSeen := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digitsSeen++
		}
	}
	out := make([]rune, 0, len(phone))
	remaining := digitsSeen
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			if remaining > 4 {
				out = append(out, '*')
			} else {
				out = append(out, r)
			}
			remaining--
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
