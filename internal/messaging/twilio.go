package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crm/internal/config"
	"crm/internal/logger"
)

// TwilioChannel sends WhatsApp messages through the Twilio Messages API.
type TwilioChannel struct {
	log        *logger.Logger
	cfg        config.TwilioConfig
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func NewTwilioChannel(log *logger.Logger, cfg config.TwilioConfig) (*TwilioChannel, error) {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.WhatsAppFrom = strings.TrimSpace(cfg.WhatsAppFrom)
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("missing TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("missing TWILIO_AUTH_TOKEN")
	}
	if cfg.WhatsAppFrom == "" {
		return nil, fmt.Errorf("missing WHATSAPP_FROM")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &TwilioChannel{
		log:        log.With("client", "TwilioWhatsApp"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Second,
	}, nil
}

type message struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type account struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

func (c *TwilioChannel) SendMessage(ctx context.Context, phone, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("twilio: message body required")
	}
	form := url.Values{}
	form.Set("Body", text)
	return c.send(ctx, phone, form)
}

// SendTemplate sends an approved WhatsApp content template; templateName is the Content SID.
func (c *TwilioChannel) SendTemplate(ctx context.Context, phone, templateName string, params map[string]string) error {
	if strings.TrimSpace(templateName) == "" {
		return fmt.Errorf("twilio: template required")
	}
	form := url.Values{}
	form.Set("ContentSid", templateName)
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("twilio: encode template params: %w", err)
		}
		form.Set("ContentVariables", string(raw))
	}
	return c.send(ctx, phone, form)
}

func (c *TwilioChannel) Status(ctx context.Context) (ChannelStatus, error) {
	st := ChannelStatus{Provider: "twilio", Sender: c.cfg.WhatsAppFrom}
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", c.cfg.BaseURL, c.cfg.AccountSID)
	var acct account
	if _, err := c.doOnce(ctx, http.MethodGet, endpoint, nil, &acct); err != nil {
		st.Detail = err.Error()
		return st, err
	}
	st.Connected = acct.Status == "" || acct.Status == "active"
	st.Detail = acct.Status
	return st, nil
}

func (c *TwilioChannel) send(ctx context.Context, phone string, form url.Values) error {
	digits := NormalizePhone(phone)
	if len(digits) < MinPhoneDigits {
		return fmt.Errorf("twilio: invalid phone %q", phone)
	}
	form.Set("To", "whatsapp:+"+digits)
	form.Set("From", whatsappAddress(c.cfg.WhatsAppFrom))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.cfg.BaseURL, c.cfg.AccountSID)
	var out message
	if err := c.doForm(ctx, endpoint, form, &out); err != nil {
		return err
	}
	if out.ErrorMessage != nil && *out.ErrorMessage != "" {
		return fmt.Errorf("twilio: message %s rejected: %s", out.SID, *out.ErrorMessage)
	}
	c.log.Debug("whatsapp message queued", "sid", out.SID, "status", out.Status)
	return nil
}

func whatsappAddress(from string) string {
	if strings.HasPrefix(from, "whatsapp:") {
		return from
	}
	return "whatsapp:+" + NormalizePhone(from)
}

// ---------- HTTP / retry helpers ----------

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

type HTTPError struct {
	StatusCode int
	Body       string
	APIError   *apiError
}

func (e *HTTPError) Error() string {
	if e.APIError != nil && strings.TrimSpace(e.APIError.Message) != "" {
		if e.APIError.Code != 0 {
			return fmt.Sprintf("twilio http %d: %s (code=%d)", e.StatusCode, e.APIError.Message, e.APIError.Code)
		}
		return fmt.Sprintf("twilio http %d: %s", e.StatusCode, e.APIError.Message)
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return fmt.Sprintf("twilio http %d: %s", e.StatusCode, msg)
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *TwilioChannel) doForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	backoff := c.baseDelay
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.doOnce(ctx, http.MethodPost, endpoint, form, out)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= c.maxRetries {
			return err
		}
		c.log.Warn("Twilio request retrying",
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", backoff.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *TwilioChannel) doOnce(ctx context.Context, method, endpoint string, form url.Values, out any) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && strings.TrimSpace(ae.Message) != "" {
			return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw), APIError: &ae}
		}
		return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if len(raw) == 0 || out == nil {
		return resp, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp, fmt.Errorf("twilio decode error: %w", err)
	}
	return resp, nil
}
