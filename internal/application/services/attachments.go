package services

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// Attachment is one file sent with a turn. Images reach the model as
// vision blocks for the current call only; textual files are inlined into
// the user turn, so they persist and index like anything the user typed.
type Attachment struct {
	Filename  string
	MediaType string
	Data      []byte
}

var inlineableTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/x-yaml":     true,
	"application/yaml":       true,
	"application/javascript": true,
	"application/toml":       true,
	"application/csv":        true,
}

func isInlineable(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	return inlineableTypes[mediaType]
}

// applyAttachments folds attachments into the turn. The returned message
// replaces the request's: textual files are appended under a filename
// banner, and binary files the core cannot read leave a placeholder so the
// transcript records that something was sent. Image blocks are returned
// separately and never persisted.
func applyAttachments(message *string, atts []Attachment) (*string, []models.ContentBlock) {
	if len(atts) == 0 {
		return message, nil
	}

	var images []models.ContentBlock
	var b strings.Builder
	if message != nil {
		b.WriteString(*message)
	}
	inlined := false

	for _, att := range atts {
		switch {
		case strings.HasPrefix(att.MediaType, "image/"):
			images = append(images, models.NewImageBlock(att.MediaType, base64.StdEncoding.EncodeToString(att.Data)))
		case isInlineable(att.MediaType):
			b.WriteString("\n\n[Attached file: ")
			b.WriteString(att.Filename)
			b.WriteString("]\n")
			b.Write(att.Data)
			inlined = true
		default:
			b.WriteString("\n\n[Attached file: ")
			b.WriteString(att.Filename)
			b.WriteString(" (")
			b.WriteString(att.MediaType)
			b.WriteString(", ")
			b.WriteString(strconv.Itoa(len(att.Data)))
			b.WriteString(" bytes, not inlined)]")
			inlined = true
		}
	}

	if message == nil && !inlined {
		// continuation with image-only attachments stays a continuation
		return nil, images
	}
	text := strings.TrimPrefix(b.String(), "\n\n")
	return &text, images
}
