package mailer

import (
	"context"
	"encoding/base64"
	"io"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/SirClappington/mailq/internal/provider"
)

// NativeSender delivers a message without the provider, used as the outage
// fallback of immediate mode.
type NativeSender interface {
	SendEmail(ctx context.Context, e *provider.Email) error
}

type SMTPSender struct {
	dialer *gomail.Dialer
}

func NewSMTPSender(host string, port int, user, password string) *SMTPSender {
	return &SMTPSender{dialer: gomail.NewDialer(host, port, user, password)}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// toGomail converts a provider request to an SMTP message.
func toGomail(e *provider.Email) (*gomail.Message, error) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", e.From)
	msg.SetHeader("To", splitList(e.To)...)
	if cc := splitList(e.Cc); len(cc) > 0 {
		msg.SetHeader("Cc", cc...)
	}
	if bcc := splitList(e.Bcc); len(bcc) > 0 {
		msg.SetHeader("Bcc", bcc...)
	}
	if e.ReplyTo != "" {
		msg.SetHeader("Reply-To", e.ReplyTo)
	}
	msg.SetHeader("Subject", e.Subject)
	for _, h := range e.Headers {
		msg.SetHeader(h.Name, h.Value)
	}
	switch {
	case e.HtmlBody != "" && e.TextBody != "":
		msg.SetBody("text/plain", e.TextBody)
		msg.AddAlternative("text/html", e.HtmlBody)
	case e.HtmlBody != "":
		msg.SetBody("text/html", e.HtmlBody)
	default:
		msg.SetBody("text/plain", e.TextBody)
	}
	for _, a := range e.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, invalid(CodeAttachmentError, "attachment %s is not valid base64", a.Name)
		}
		msg.Attach(a.Name,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
		)
	}
	return msg, nil
}

func (s *SMTPSender) SendEmail(ctx context.Context, e *provider.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := toGomail(e)
	if err != nil {
		return err
	}
	return s.dialer.DialAndSend(msg)
}
