package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSendTimeout = 10 * time.Second

// HTTPSender sends messages through an Evolution-API shaped HTTP gateway:
//
//	POST {base}/message/sendText/{instance}
//
// The idempotency key, when present on the payload metadata, is forwarded as
// the X-Idempotency-Key header so gateways that deduplicate on it can.
type HTTPSender struct {
	base     string
	instance string
	apiKey   string
	client   *http.Client
}

// Compile-time check that HTTPSender implements Sender.
var _ Sender = (*HTTPSender)(nil)

// HTTPSenderOption configures an HTTPSender.
type HTTPSenderOption func(*HTTPSender)

// WithHTTPClient overrides the HTTP client used for sends. Tests point it at
// an httptest server.
func WithHTTPClient(c *http.Client) HTTPSenderOption {
	return func(s *HTTPSender) { s.client = c }
}

// NewHTTPSender returns a Sender posting to the given gateway base URL and
// instance, authenticating with apiKey.
func NewHTTPSender(base, instance, apiKey string, opts ...HTTPSenderOption) *HTTPSender {
	s := &HTTPSender{
		base:     base,
		instance: instance,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultSendTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sendTextRequest is the gateway wire format for text sends.
type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// sendTextResponse is the subset of the gateway response the core reads.
type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// Send posts the payload to the gateway and classifies failures: network
// errors and 5xx responses are transient, 4xx responses are permanent.
func (s *HTTPSender) Send(ctx context.Context, p Payload) (Receipt, error) {
	body, err := json.Marshal(sendTextRequest{Number: p.Recipient, Text: p.Text})
	if err != nil {
		return Receipt{}, &SendError{Permanent: true, Msg: fmt.Sprintf("marshal request: %v", err)}
	}

	url := fmt.Sprintf("%s/message/sendText/%s", s.base, s.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &SendError{Permanent: true, Msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)
	if key, ok := p.Metadata["idempotency_key"]; ok {
		req.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, &SendError{Msg: fmt.Sprintf("post: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Receipt{}, &SendError{Status: resp.StatusCode, Msg: "gateway server error"}
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Receipt{}, &SendError{Permanent: true, Status: resp.StatusCode, Msg: string(detail)}
	}

	var decoded sendTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// The send went through; a garbled body only costs the provider id.
		return Receipt{Status: "SENT"}, nil
	}
	status := decoded.Status
	if status == "" {
		status = "SENT"
	}
	return Receipt{ProviderMessageID: decoded.Key.ID, Status: status}, nil
}
