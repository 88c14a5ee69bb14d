// Package messageconv converts message content between the two platforms'
// native shapes: X-side HTML-ish rich content down to the markdown body
// MessageSyncService puts in R events, and X attachments into the
// attachment extensions R events carry (spec.md §4.5, §6).
package messageconv

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

var converter *md.Converter

func init() {
	converter = md.NewConverter("", true, nil)
}

// ToMarkdown converts HTML-ish content (embed descriptions, system messages
// with inline formatting) to markdown, falling back to the raw input on
// conversion failure so a bad embed never drops a whole message.
func ToMarkdown(raw string, log zerolog.Logger) string {
	if !looksLikeHTML(raw) {
		return raw
	}
	body, err := converter.ConvertString(raw)
	if err != nil {
		log.Warn().Err(err).Msg("failed to convert rich content to markdown, falling back to raw text")
		return raw
	}
	return body
}

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "<") && strings.Contains(s, ">")
}

// AttachmentRecord is the decoded shape of one entry in the attachments.v0
// extension (spec.md §6).
type AttachmentRecord struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// BuildAttachments classifies X attachments into the image/video/file
// extension kinds spec.md §6 defines.
func BuildAttachments(atts []xplatform.Attachment) []AttachmentRecord {
	if len(atts) == 0 {
		return nil
	}
	out := make([]AttachmentRecord, 0, len(atts))
	for _, a := range atts {
		out = append(out, AttachmentRecord{
			Kind:     classify(a.MimeType),
			URL:      a.URL,
			Filename: a.Filename,
			MimeType: a.MimeType,
		})
	}
	return out
}

func classify(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return rplatform.ExtAttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return rplatform.ExtAttachmentVideo
	default:
		return rplatform.ExtAttachmentFile
	}
}
