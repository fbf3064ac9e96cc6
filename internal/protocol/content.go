package protocol

import (
	"mime"
	"strings"
)

const (
	MimeTextPlain    = "text/plain"
	MimeTextMarkdown = "text/markdown"
	MimeTextHTML     = "text/html"
)

// ContentClass is the rendering family a content part belongs to. The
// accumulation contract is the same for all of them.
type ContentClass int

const (
	ContentText ContentClass = iota
	ContentHTML
	ContentImage
)

func (c ContentClass) String() string {
	switch c {
	case ContentHTML:
		return "html"
	case ContentImage:
		return "image"
	default:
		return "text"
	}
}

// baseMime strips parameters such as "; charset=utf-8" and lowercases.
func baseMime(mimeType string) string {
	trimmed := strings.TrimSpace(mimeType)
	if mediaType, _, err := mime.ParseMediaType(trimmed); err == nil {
		return mediaType
	}
	base, _, _ := strings.Cut(trimmed, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func ClassifyMime(mimeType string) ContentClass {
	base := baseMime(mimeType)
	switch {
	case base == MimeTextHTML:
		return ContentHTML
	case strings.HasPrefix(base, "image/"):
		return ContentImage
	default:
		return ContentText
	}
}

func IsMarkdown(mimeType string) bool {
	return baseMime(mimeType) == MimeTextMarkdown
}
