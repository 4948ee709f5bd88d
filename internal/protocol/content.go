package protocol

import (
	"strings"
	"unicode/utf8"
)

// DefaultTitle names a session created from an empty message.
const DefaultTitle = "New chat"

const titleLength = 32

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.Type, "image/")
}

// ImageURL returns the URL used to reference an image attachment, falling
// back to the local preview when allowPreview is set.
func (a Attachment) ImageURL(allowPreview bool) string {
	if a.URL != "" || !allowPreview {
		return a.URL
	}
	return a.PreviewRef
}

// ComposeUserContent renders the durable text of a user message: one inline
// marker per attachment followed by the typed text. Images become image
// markup pointing at their URL, documents become a labelled fenced block of
// their extracted text. Images without a usable URL are left out.
//
// The client passes allowPreview=true so optimistic messages can show an
// image before its upload URL is known.
func ComposeUserContent(text string, attachments []Attachment, allowPreview bool) string {
	var parts []string

	for _, att := range attachments {
		if !att.IsImage() {
			continue
		}
		if u := att.ImageURL(allowPreview); u != "" {
			parts = append(parts, "!["+att.Name+"]("+u+")")
		}
	}
	for _, att := range attachments {
		if att.TextContent == "" {
			continue
		}
		parts = append(parts, "**File: "+att.Name+"**\n```\n"+att.TextContent+"\n```")
	}

	if len(parts) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(parts, "\n\n")
	}
	return strings.Join(parts, "\n\n") + "\n\n" + text
}

// SessionTitle derives a session title from the first message.
func SessionTitle(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(message) <= titleLength {
		return message
	}
	return string([]rune(message)[:titleLength])
}
