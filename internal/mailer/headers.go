package mailer

import (
	"strings"

	"github.com/SirClappington/mailq/internal/provider"
)

type parsedHeaders struct {
	fromEmail   string
	fromName    string
	cc          []string
	bcc         []string
	replyTo     []string
	contentType string
	custom      []provider.Header
}

// parseHeaders reads raw "Name: Value" lines. A line may carry several
// headers separated by newlines.
func parseHeaders(lines []string) parsedHeaders {
	h := parsedHeaders{contentType: "text/plain"}
	for _, block := range lines {
		for _, line := range strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n") {
			name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
			if !ok {
				continue
			}
			name, value = strings.TrimSpace(name), strings.TrimSpace(value)
			switch strings.ToLower(name) {
			case "from":
				if addr, display := parseAddress(value); addr != "" {
					h.fromEmail, h.fromName = addr, display
				}
			case "cc":
				h.cc = append(h.cc, splitAddresses(value)...)
			case "bcc":
				h.bcc = append(h.bcc, splitAddresses(value)...)
			case "reply-to":
				h.replyTo = append(h.replyTo, splitAddresses(value)...)
			case "content-type":
				if ct, _, _ := strings.Cut(value, ";"); strings.TrimSpace(ct) != "" {
					h.contentType = strings.ToLower(strings.TrimSpace(ct))
				}
			default:
				if name != "" {
					h.custom = append(h.custom, provider.Header{Name: name, Value: value})
				}
			}
		}
	}
	return h
}
