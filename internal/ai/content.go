package ai

import (
	"encoding/json"
)

// Message is one entry of the conversation sent to a provider.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is either plain text or a list of typed parts. The representation
// is chosen when the outgoing request is assembled; persisted messages are
// always plain text.
type Content struct {
	text  string
	parts []Part
}

// Part is one element of structured content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func Text(s string) Content { return Content{text: s} }

func Parts(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}
	return Content{parts: parts}
}

func TextPart(s string) Part { return Part{Type: "text", Text: s} }

func ImagePart(url string) Part { return Part{Type: "image_url", ImageURL: &ImageURL{URL: url}} }

// IsParts reports whether c is structured.
func (c Content) IsParts() bool { return c.parts != nil }

// Text returns the plain text, or the concatenated text parts of structured
// content.
func (c Content) Text() string {
	if !c.IsParts() {
		return c.text
	}
	var s string
	for _, p := range c.parts {
		s += p.Text
	}
	return s
}

func (c Content) Parts() []Part { return c.parts }

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts() {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Text(s)
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	*c = Parts(parts...)
	return nil
}
