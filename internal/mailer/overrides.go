package mailer

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/SirClappington/mailq/internal/provider"
)

const (
	ReplaySourceHeader   = "X-Mailq-Replay-Source"
	maxOverrideRecipient = 20
	maxOverrideSubject   = 200
)

// Overrides adjust a stored payload before it is resent. Empty fields keep
// the stored value.
type Overrides struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Mode    string `json:"mode"`
}

func (o Overrides) Empty() bool {
	return strings.TrimSpace(o.To) == "" && strings.TrimSpace(o.Subject) == "" && strings.TrimSpace(o.Mode) == ""
}

// ApplyOverrides rewrites payload with o and stamps the source log id.
// A recipient override replaces To and drops Cc and Bcc.
func ApplyOverrides(payload json.RawMessage, o Overrides, sourceLogID int64) (json.RawMessage, error) {
	var e provider.Email
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, invalid(CodeInvalidPayload, "stored payload is not valid JSON")
	}
	if raw := strings.TrimSpace(o.To); raw != "" {
		to := normalizeAddresses([]string{raw})
		if len(to) == 0 {
			return nil, invalid(CodeInvalidOverride, "enter at least one valid recipient email address")
		}
		if len(to) > maxOverrideRecipient {
			return nil, invalid(CodeTooManyRecipients, "recipient override supports up to %d addresses", maxOverrideRecipient)
		}
		e.To = strings.Join(to, ",")
		e.Cc, e.Bcc = "", ""
	}
	if subject := strings.TrimSpace(o.Subject); subject != "" {
		e.Subject = truncateRunes(subject, maxOverrideSubject)
	}
	e.Headers = append(e.Headers, provider.Header{Name: ReplaySourceHeader, Value: fmt.Sprintf("log:%d", sourceLogID)})
	return json.Marshal(&e)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
