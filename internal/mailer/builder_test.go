package mailer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/provider"
)

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.FromEmail = "noreply@example.com"
	s.FromName = "Example"
	s.ProviderToken = "tok"
	return s
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	return ve.Code
}

func TestSplitAddressesKeepsQuotedNames(t *testing.T) {
	got := splitAddresses(`"Doe, Jane" <jane@example.com>, bob@example.com; carol@example.com`)
	assert.Equal(t, []string{`"Doe, Jane" <jane@example.com>`, "bob@example.com", "carol@example.com"}, got)
}

func TestNormalizeAddresses(t *testing.T) {
	got := normalizeAddresses([]string{"a@example.com, not-an-address", "A <a@example.com>", "b@example.com"})
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got)
}

func TestParseHeaders(t *testing.T) {
	h := parseHeaders([]string{
		"From: Sales <sales@example.com>\nCc: c1@example.com, c2@example.com",
		"Bcc: hidden@example.com",
		"Reply-To: reply@example.com",
		"Content-Type: text/html; charset=UTF-8",
		"X-Campaign: spring",
		"garbage line",
	})
	assert.Equal(t, "sales@example.com", h.fromEmail)
	assert.Equal(t, "Sales", h.fromName)
	assert.Equal(t, []string{"c1@example.com", "c2@example.com"}, h.cc)
	assert.Equal(t, []string{"hidden@example.com"}, h.bcc)
	assert.Equal(t, []string{"reply@example.com"}, h.replyTo)
	assert.Equal(t, "text/html", h.contentType)
	assert.Equal(t, []provider.Header{{Name: "X-Campaign", Value: "spring"}}, h.custom)
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText("<p>Hello <b>World</b></p><script>alert(1)</script><p>Bye</p>")
	assert.Equal(t, "Hello World\n\nBye", got)
}

func TestBuildPlainText(t *testing.T) {
	e, err := Build(testSettings(), Message{
		To:      []string{"user@example.com"},
		Subject: "Tom &amp; Jerry",
		Body:    "hello",
		Headers: []string{"Cc: cc@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, `"Example" <noreply@example.com>`, e.From)
	assert.Equal(t, "user@example.com", e.To)
	assert.Equal(t, "cc@example.com", e.Cc)
	assert.Equal(t, "Tom & Jerry", e.Subject)
	assert.Equal(t, "hello", e.TextBody)
	assert.Empty(t, e.HtmlBody)
	assert.Equal(t, "outbound", e.MessageStream)
}

func TestBuildHTMLAddsTextAlternative(t *testing.T) {
	e, err := Build(testSettings(), Message{
		To:      []string{"user@example.com"},
		Subject: "Hi",
		Body:    "<p>Hi there</p>",
		Headers: []string{"Content-Type: text/html; charset=UTF-8"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<p>Hi there</p>", e.HtmlBody)
	assert.Equal(t, "Hi there", e.TextBody)
}

func TestBuildSenderResolution(t *testing.T) {
	s := testSettings()
	m := Message{To: []string{"user@example.com"}, Headers: []string{"From: Other <other@example.com>"}}

	e, err := Build(s, m)
	require.NoError(t, err)
	assert.Equal(t, `"Other" <other@example.com>`, e.From)

	s.ForceFrom = true
	e, err = Build(s, m)
	require.NoError(t, err)
	assert.Equal(t, `"Example" <noreply@example.com>`, e.From)

	s = testSettings()
	s.FromEmail, s.FromName = "", ""
	s.AdminEmail = "admin@example.com"
	e, err = Build(s, Message{To: []string{"user@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", e.From)
}

func TestBuildValidation(t *testing.T) {
	_, err := Build(testSettings(), Message{To: []string{"nobody"}})
	assert.Equal(t, CodeMissingRecipient, codeOf(t, err))

	s := testSettings()
	s.FromEmail, s.AdminEmail = "", ""
	_, err = Build(s, Message{To: []string{"user@example.com"}})
	assert.Equal(t, CodeMissingSender, codeOf(t, err))
}

func TestBuildAttachments(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(small, []byte("hello attachment"), 0o600))
	big := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, 2048), 0o600))

	s := testSettings()
	s.MaxAttachmentBytes = 1024
	s.MaxTotalAttachmentBytes = 1024

	e, err := Build(s, Message{To: []string{"user@example.com"}, Attachments: []string{small}})
	require.NoError(t, err)
	require.Len(t, e.Attachments, 1)
	assert.Equal(t, "note.txt", e.Attachments[0].Name)
	assert.Equal(t, "text/plain", e.Attachments[0].ContentType)
	decoded, err := base64.StdEncoding.DecodeString(e.Attachments[0].Content)
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(decoded))

	_, err = Build(s, Message{To: []string{"user@example.com"}, Attachments: []string{big}})
	assert.Equal(t, CodeAttachmentTooLarge, codeOf(t, err))

	_, err = Build(s, Message{To: []string{"user@example.com"}, Attachments: []string{filepath.Join(dir, "missing.pdf")}})
	assert.Equal(t, CodeAttachmentMissing, codeOf(t, err))

	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(other, make([]byte, 1010), 0o600))
	_, err = Build(s, Message{To: []string{"user@example.com"}, Attachments: []string{small + "\n" + other}})
	assert.Equal(t, CodeAttachmentsTooLarge, codeOf(t, err))
}

func TestApplyOverrides(t *testing.T) {
	payload := json.RawMessage(`{"From":"a@example.com","To":"old@example.com","Cc":"cc@example.com","Bcc":"bcc@example.com","Subject":"Old"}`)

	out, err := ApplyOverrides(payload, Overrides{To: "new1@example.com; new2@example.com", Subject: "  New subject  "}, 7)
	require.NoError(t, err)
	var e provider.Email
	require.NoError(t, json.Unmarshal(out, &e))
	assert.Equal(t, "new1@example.com,new2@example.com", e.To)
	assert.Empty(t, e.Cc)
	assert.Empty(t, e.Bcc)
	assert.Equal(t, "New subject", e.Subject)
	assert.Equal(t, []provider.Header{{Name: ReplaySourceHeader, Value: "log:7"}}, e.Headers)

	out, err = ApplyOverrides(payload, Overrides{Subject: strings.Repeat("é", 250)}, 1)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &e))
	assert.Equal(t, 200, len([]rune(e.Subject)))
	assert.Equal(t, "old@example.com", e.To)
	assert.Equal(t, "cc@example.com", e.Cc)
}

func TestApplyOverridesRejects(t *testing.T) {
	payload := json.RawMessage(`{"To":"old@example.com"}`)

	_, err := ApplyOverrides(payload, Overrides{To: "not valid"}, 1)
	assert.Equal(t, CodeInvalidOverride, codeOf(t, err))

	many := make([]string, 21)
	for i := range many {
		many[i] = "user" + strings.Repeat("x", i) + "@example.com"
	}
	_, err = ApplyOverrides(payload, Overrides{To: strings.Join(many, ",")}, 1)
	assert.Equal(t, CodeTooManyRecipients, codeOf(t, err))

	_, err = ApplyOverrides(json.RawMessage(`not json`), Overrides{}, 1)
	assert.Equal(t, CodeInvalidPayload, codeOf(t, err))
}

func TestToGomail(t *testing.T) {
	msg, err := toGomail(&provider.Email{
		From:     "a@example.com",
		To:       "b@example.com, c@example.com",
		Cc:       "d@example.com",
		Subject:  "Hi",
		TextBody: "plain",
		HtmlBody: "<p>html</p>",
		Headers:  []provider.Header{{Name: "X-Test", Value: "1"}},
		Attachments: []provider.Attachment{
			{Name: "a.txt", Content: base64.StdEncoding.EncodeToString([]byte("x")), ContentType: "text/plain"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, msg.GetHeader("To"))
	assert.Equal(t, []string{"d@example.com"}, msg.GetHeader("Cc"))
	assert.Equal(t, []string{"1"}, msg.GetHeader("X-Test"))

	_, err = toGomail(&provider.Email{To: "b@example.com", Attachments: []provider.Attachment{{Name: "bad", Content: "%%%"}}})
	assert.Equal(t, CodeAttachmentError, codeOf(t, err))
}
