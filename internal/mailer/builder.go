package mailer

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/provider"
)

// Message is a send request from the host application.
type Message struct {
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Headers     []string `json:"headers,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Build turns m into a provider request. It returns a *ValidationError when
// m cannot be delivered as given.
func Build(s config.Settings, m Message) (*provider.Email, error) {
	h := parseHeaders(m.Headers)
	to := normalizeAddresses(m.To)
	if len(to) == 0 {
		return nil, invalid(CodeMissingRecipient, "no valid recipient was provided")
	}

	fromEmail, fromName := "", strings.TrimSpace(s.FromName)
	if addr, _ := parseAddress(s.FromEmail); addr != "" {
		fromEmail = addr
	}
	if !s.ForceFrom && h.fromEmail != "" {
		fromEmail, fromName = h.fromEmail, h.fromName
	}
	if fromEmail == "" {
		fromEmail, _ = parseAddress(s.AdminEmail)
	}
	if fromEmail == "" {
		return nil, invalid(CodeMissingSender, "no sender email is configured")
	}

	e := &provider.Email{
		From:          formatFrom(fromEmail, fromName),
		To:            strings.Join(to, ","),
		Subject:       html.UnescapeString(m.Subject),
		MessageStream: s.MessageStream,
		TrackOpens:    s.TrackOpens,
		TrackLinks:    s.TrackLinks,
		Headers:       h.custom,
	}
	if h.contentType == "text/html" {
		e.HtmlBody = m.Body
		e.TextBody = htmlToText(m.Body)
	} else {
		e.TextBody = m.Body
	}
	if cc := normalizeAddresses(h.cc); len(cc) > 0 {
		e.Cc = strings.Join(cc, ",")
	}
	if bcc := normalizeAddresses(h.bcc); len(bcc) > 0 {
		e.Bcc = strings.Join(bcc, ",")
	}
	if replyTo := normalizeAddresses(h.replyTo); len(replyTo) > 0 {
		e.ReplyTo = replyTo[0]
	}

	attachments, err := prepareAttachments(m.Attachments, s.MaxAttachmentBytes, s.MaxTotalAttachmentBytes)
	if err != nil {
		return nil, err
	}
	e.Attachments = attachments
	return e, nil
}
