package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"

	"golang.org/x/time/rate"
)

// SMSSender posts messages to an HTTP SMS gateway, one request per phone number.
// Params: gateway settings, HTTP client, and optional rate limiter.
// Returns: SMS channel sender.
type SMSSender struct {
	cfg     config.SMSNotifier
	client  *http.Client
	limiter *rate.Limiter
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// NewSMSSender creates SMS gateway sender.
// Params: SMS notifier config.
// Returns: initialized sender; rate limit applies when rate_per_sec > 0.
func NewSMSSender(cfg config.SMSNotifier) *SMSSender {
	sender := &SMSSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		sender.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return sender
}

// Channel returns sender channel tag.
func (s *SMSSender) Channel() domain.Channel {
	return domain.ChannelSMS
}

// Send delivers message to every phone number of the target.
// Params: context and notification with phone numbers as recipients.
// Returns: joined errors of failed numbers.
func (s *SMSSender) Send(ctx context.Context, notification domain.Notification) error {
	if len(notification.Recipients) == 0 {
		return errors.New("sms send: no phone numbers")
	}
	var errs []error
	for _, phone := range notification.Recipients {
		if err := s.sendOne(ctx, phone, notification.Message); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", phone, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SMSSender) sendOne(ctx context.Context, phone, message string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	body, err := json.Marshal(smsRequest{To: phone, From: s.cfg.Sender, Message: message})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(s.cfg.APIKey); key != "" {
		value := key
		if strings.EqualFold(s.cfg.APIKeyHeader, "Authorization") {
			value = "Bearer " + key
		}
		request.Header.Set(s.cfg.APIKeyHeader, value)
	}
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("sms gateway", response)
	}
	return nil
}
