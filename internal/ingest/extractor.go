package ingest

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640

	// maxFilenameLength keeps generated names well under common filesystem limits.
	maxFilenameLength = 128
)

// Extractor writes attachment parts to disk under <root>/<ownerID>/<mailboxID>/.
type Extractor struct {
	fs   afero.Fs
	root string
	log  zerolog.Logger
}

// NewExtractor creates an Extractor writing below root on the given filesystem.
func NewExtractor(fs afero.Fs, root string, log zerolog.Logger) *Extractor {
	return &Extractor{fs: fs, root: root, log: log.With().Str("component", "extractor").Logger()}
}

// Extract writes every part of a mail and returns the attachment rows for the ones
// that were written. Failing parts are logged and skipped.
func (e *Extractor) Extract(ownerID, mailboxID, mailID string, parts []models.DraftPart) []*models.Attachment {
	if len(parts) == 0 {
		return nil
	}

	dir := filepath.Join(e.root, SanitizeFilename(ownerID), SanitizeFilename(mailboxID))
	if err := e.fs.MkdirAll(dir, dirPerm); err != nil {
		e.log.Error().Err(err).Str("mail_id", mailID).Msg("Failed to create attachment directory")
		return nil
	}

	attachments := make([]*models.Attachment, 0, len(parts))
	for _, part := range parts {
		id := uuid.NewString()
		path := filepath.Join(dir, id+"-"+SanitizeFilename(part.Filename))

		if err := afero.WriteFile(e.fs, path, part.Content, filePerm); err != nil {
			e.log.Warn().Err(err).Str("mail_id", mailID).Str("filename", part.Filename).Msg("Skipping attachment")
			continue
		}

		filename := part.Filename
		if filename == "" {
			filename = defaultFilename
		}

		attachments = append(attachments, &models.Attachment{
			ID:        id,
			MailID:    mailID,
			Filename:  filename,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
			Path:      path,
			IsInline:  part.IsInline,
			ContentID: part.ContentID,
		})
	}

	return attachments
}

const defaultFilename = "attachment"

// SanitizeFilename makes a name safe as a single path segment.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == ':' || r == 0:
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")

	if name == "" {
		return defaultFilename
	}

	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxFilenameLength-len(ext)) + ext
	}

	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

