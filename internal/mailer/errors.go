package mailer

import "fmt"

const (
	CodeMissingRecipient    = "missing_recipient"
	CodeMissingSender       = "missing_sender"
	CodeAttachmentMissing   = "attachment_missing"
	CodeAttachmentTooLarge  = "attachment_too_large"
	CodeAttachmentsTooLarge = "attachments_too_large"
	CodeAttachmentError     = "attachment_error"
	CodeInvalidOverride     = "invalid_override"
	CodeTooManyRecipients   = "too_many_recipients"
	CodeInvalidPayload      = "invalid_payload"
	CodeNotConfigured       = "not_configured"
)

// ValidationError rejects a message before it reaches the provider. It is
// never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
