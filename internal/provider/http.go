package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"smsd/pkg/logx"
)

type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration // 0 means 15s
}

// HTTPClient is the default Client: POST one message as JSON, read back a
// receipt. Non-2xx responses are decoded into *Error so callers can record
// the structured failure.
type HTTPClient struct {
	url    string
	token  string
	client *http.Client
	log    logx.Logger
}

func NewHTTPClient(cfg HTTPConfig, log logx.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("provider url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPClient{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

type sendRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	// Error fields on non-2xx responses.
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) Send(ctx context.Context, to, body, from string) (Receipt, error) {
	payload, err := json.Marshal(sendRequest{To: to, From: from, Body: body})
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var sr sendResponse
	_ = json.Unmarshal(raw, &sr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Receipt{}, &Error{HTTPStatus: resp.StatusCode, Code: sr.Code, Message: msg}
	}
	if sr.ID == "" {
		return Receipt{}, &Error{HTTPStatus: resp.StatusCode, Message: "response missing message id"}
	}
	status := sr.Status
	if status == "" {
		status = "sent"
	}
	c.log.Debug("message dispatched", logx.String("to", to), logx.String("provider_id", sr.ID), logx.String("status", status))
	return Receipt{ProviderID: sr.ID, Status: status}, nil
}
