package mailer

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/SirClappington/mailq/internal/provider"
)

// prepareAttachments reads each path, enforces the per-file and total size
// caps and encodes the content for the provider.
func prepareAttachments(paths []string, maxEach, maxTotal int64) ([]provider.Attachment, error) {
	if maxEach < 1 {
		maxEach = 1
	}
	if maxTotal < maxEach {
		maxTotal = maxEach
	}
	var out []provider.Attachment
	var total int64
	for _, block := range paths {
		for _, path := range strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n") {
			if path = strings.TrimSpace(path); path == "" {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				return nil, invalid(CodeAttachmentMissing, "attachment cannot be read: %s", path)
			}
			if info.Size() > maxEach {
				return nil, invalid(CodeAttachmentTooLarge, "attachment exceeds configured size limit: %s", path)
			}
			total += info.Size()
			if total > maxTotal {
				return nil, invalid(CodeAttachmentsTooLarge, "combined attachment size exceeds configured limit")
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, invalid(CodeAttachmentError, "attachment cannot be loaded: %s", path)
			}
			contentType, _, _ := strings.Cut(mimetype.Detect(content).String(), ";")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			out = append(out, provider.Attachment{
				Name:        filepath.Base(path),
				Content:     base64.StdEncoding.EncodeToString(content),
				ContentType: strings.TrimSpace(contentType),
			})
		}
	}
	return out, nil
}
