package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrInvalidResponse is returned when the gateway accepted the request but
// its response body could not be used.
var ErrInvalidResponse = errors.New("sms gateway: invalid response")

// StatusError reports a non-202 reply from the gateway.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.StatusCode, e.Body)
}

// Retryable reports whether the gateway asked the caller to try again later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// SMSGateway posts SMS messages to an HTTP gateway which answers 202 with
// the id it assigned.
type SMSGateway struct {
	url    string
	client *http.Client
}

func NewSMSGateway(url string, timeout time.Duration) *SMSGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSGateway{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	SMSType     string `json:"smsType"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Send submits a transactional SMS and returns the gateway message id.
func (c *SMSGateway) Send(ctx context.Context, phoneNumber, message string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
		SMSType:     "Transactional",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusAccepted {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("%w: failed to decode json: %v body=%q", ErrInvalidResponse, err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("%w: missing messageId body=%q", ErrInvalidResponse, string(body))
	}

	return sr.MessageID, nil
}
