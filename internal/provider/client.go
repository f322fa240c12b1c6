// Package provider talks to the Postmark-compatible transactional email API.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://api.postmarkapp.com"
	DefaultTimeout = 20 * time.Second
	tokenHeader    = "X-Postmark-Server-Token"
)

type Header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type Attachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

// Email is the provider request body.
type Email struct {
	From          string       `json:"From"`
	To            string       `json:"To"`
	Cc            string       `json:"Cc,omitempty"`
	Bcc           string       `json:"Bcc,omitempty"`
	ReplyTo       string       `json:"ReplyTo,omitempty"`
	Subject       string       `json:"Subject"`
	HtmlBody      string       `json:"HtmlBody,omitempty"`
	TextBody      string       `json:"TextBody,omitempty"`
	MessageStream string       `json:"MessageStream,omitempty"`
	TrackOpens    bool         `json:"TrackOpens,omitempty"`
	TrackLinks    string       `json:"TrackLinks,omitempty"`
	Headers       []Header     `json:"Headers,omitempty"`
	Attachments   []Attachment `json:"Attachments,omitempty"`
}

type Result struct {
	StatusCode int
	MessageID  string
	Body       string
}

// Sender delivers a serialized Email.
type Sender interface {
	Send(ctx context.Context, token string, payload []byte) (*Result, error)
}

type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

type apiMessage struct {
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
	Name      string `json:"Name"`
}

func (c *Client) request(ctx context.Context, token string) *resty.Request {
	return c.http.R().SetContext(ctx).SetHeader(tokenHeader, token)
}

func statusError(resp *resty.Response, fallback string) *Error {
	msg := fallback
	var decoded apiMessage
	if json.Unmarshal(resp.Body(), &decoded) == nil && decoded.Message != "" {
		msg = decoded.Message
	}
	return &Error{
		Code:       CodeAPIError,
		StatusCode: resp.StatusCode(),
		Message:    msg,
		Body:       resp.String(),
		Retryable:  RetryableStatus(resp.StatusCode()),
	}
}

func transportError(err error) *Error {
	return &Error{Code: CodeRequestError, Message: err.Error(), Retryable: true}
}

// Send posts payload to /email and returns the provider message id.
func (c *Client) Send(ctx context.Context, token string, payload []byte) (*Result, error) {
	resp, err := c.request(ctx, token).SetBody(payload).Post("/email")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, statusError(resp, "provider API returned an unexpected response")
	}
	var decoded apiMessage
	_ = json.Unmarshal(resp.Body(), &decoded)
	return &Result{StatusCode: resp.StatusCode(), MessageID: decoded.MessageID, Body: resp.String()}, nil
}

// SendEmail serializes e and sends it.
func (c *Client) SendEmail(ctx context.Context, token string, e *Email) (*Result, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode email: %w", err)
	}
	return c.Send(ctx, token, payload)
}

type ServerInfo struct {
	Name    string   `json:"server_name"`
	Streams []string `json:"available_streams"`
}

// VerifyToken checks token against /server and lists its message streams.
// Stream lookup failures fall back to "outbound".
func (c *Client) VerifyToken(ctx context.Context, token string) (*ServerInfo, error) {
	resp, err := c.request(ctx, token).Get("/server")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, statusError(resp, "unexpected response from provider")
	}
	var decoded apiMessage
	_ = json.Unmarshal(resp.Body(), &decoded)

	streams, err := c.MessageStreams(ctx, token)
	if err != nil {
		streams = []string{"outbound"}
	}
	return &ServerInfo{Name: decoded.Name, Streams: streams}, nil
}

func (c *Client) MessageStreams(ctx context.Context, token string) ([]string, error) {
	var out struct {
		MessageStreams []struct {
			ID string `json:"ID"`
		} `json:"MessageStreams"`
	}
	resp, err := c.request(ctx, token).SetQueryParam("count", "500").SetResult(&out).Get("/message-streams")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, statusError(resp, "unable to fetch message streams")
	}
	seen := map[string]bool{}
	var streams []string
	for _, s := range out.MessageStreams {
		if s.ID != "" && !seen[s.ID] {
			seen[s.ID] = true
			streams = append(streams, s.ID)
		}
	}
	if len(streams) == 0 {
		streams = []string{"outbound"}
	}
	return streams, nil
}
