package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeUserContent(t *testing.T) {
	img := Attachment{Name: "cat.png", Type: "image/png", URL: "https://cdn/cat.png"}
	doc := Attachment{Name: "notes.txt", Type: "text/plain", TextContent: "hello doc"}

	tests := []struct {
		name    string
		text    string
		atts    []Attachment
		preview bool
		want    string
	}{
		{name: "text only", text: "hi", want: "hi"},
		{name: "image", text: "what is this", atts: []Attachment{img},
			want: "![cat.png](https://cdn/cat.png)\n\nwhat is this"},
		{name: "document", text: "summarize", atts: []Attachment{doc},
			want: "**File: notes.txt**\n```\nhello doc\n```\n\nsummarize"},
		{name: "attachments without text", atts: []Attachment{img, doc},
			want: "![cat.png](https://cdn/cat.png)\n\n**File: notes.txt**\n```\nhello doc\n```"},
		{name: "image without url skipped", text: "x",
			atts: []Attachment{{Name: "a.png", Type: "image/png", PreviewRef: "blob:1"}}, want: "x"},
		{name: "preview fallback", text: "x", preview: true,
			atts: []Attachment{{Name: "a.png", Type: "image/png", PreviewRef: "blob:1"}},
			want: "![a.png](blob:1)\n\nx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComposeUserContent(tt.text, tt.atts, tt.preview))
		})
	}
}

func TestSessionTitle(t *testing.T) {
	assert.Equal(t, DefaultTitle, SessionTitle("   "))
	assert.Equal(t, "Hello", SessionTitle("Hello"))

	long := strings.Repeat("ab", 40)
	assert.Equal(t, long[:32], SessionTitle(long))

	cjk := strings.Repeat("你", 40)
	assert.Equal(t, strings.Repeat("你", 32), SessionTitle(cjk))
}

func TestModelCatalog(t *testing.T) {
	assert.True(t, IsReasoningModel("deepseek-reasoner"))
	assert.False(t, IsReasoningModel("deepseek-chat"))
	assert.False(t, IsReasoningModel("unknown"))
	assert.True(t, SupportsFiles("gpt-4o-mini"))
}
