package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"account-security/internal/config"
)

// SMSTransport sends codes through the Twilio Messages API.
type SMSTransport struct {
	client   *retryablehttp.Client
	endpoint string
	sid      string
	token    string
	from     string
}

func NewSMSTransport(cfg config.SMSConfig) *SMSTransport {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = nil

	return &SMSTransport{
		client:   retryClient,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/2010-04-01/Accounts/" + url.PathEscape(cfg.AccountSID) + "/Messages.json",
		sid:      cfg.AccountSID,
		token:    cfg.AuthToken,
		from:     cfg.From,
	}
}

func (t *SMSTransport) Name() string { return "sms" }

func (t *SMSTransport) Send(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("To", msg.Destination)
	form.Set("From", t.from)
	form.Set("Body", smsBody(msg))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.sid, t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func smsBody(msg Message) string {
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", msg.Code, max(int(msg.TTL.Minutes()), 1))
}
