package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"
	"github.com/harunnryd/convstream/internal/protocol"

	"github.com/gabriel-vasile/mimetype"
)

// AttachmentUpload is the metadata returned when an attachment is created:
// where the file will live and how to send its bytes.
type AttachmentUpload struct {
	URI           string            `json:"uri"`
	Name          string            `json:"name"`
	MimeType      string            `json:"mimeType"`
	UploadURL     string            `json:"uploadUrl"`
	UploadVerb    string            `json:"uploadVerb,omitempty"`
	UploadHeaders map[string]string `json:"uploadHeaders,omitempty"`
}

// Attachment is an uploaded file ready to be referenced by a content part.
type Attachment struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

func (a Attachment) ExternalValue() *protocol.ExternalValue {
	return &protocol.ExternalValue{URI: a.URI, Name: a.Name}
}

// NetworkError reports a non-2xx answer from the presigned upload URL.
type NetworkError struct {
	StatusCode int
	StatusText string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upload failed: %d %s", e.StatusCode, e.StatusText)
}

func (e *NetworkError) Unwrap() error {
	return convErrors.ErrTransient
}

type createAttachmentRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

func (c *Client) CreateAttachment(ctx context.Context, conversationID, name, mimeType string) (AttachmentUpload, error) {
	if conversationID == "" || name == "" {
		return AttachmentUpload{}, convErrors.InvalidInput("conversation id and attachment name are required")
	}

	var upload AttachmentUpload
	started := time.Now()
	resp, err := c.request(ctx).
		SetBody(createAttachmentRequest{Name: name, MimeType: mimeType}).
		SetResult(&upload).
		Post("/conversations/" + url.PathEscape(conversationID) + "/attachments")
	if err := check("create_attachment", started, resp, err); err != nil {
		return AttachmentUpload{}, err
	}
	if upload.UploadURL == "" || upload.URI == "" {
		return AttachmentUpload{}, fmt.Errorf("create attachment: response missing upload url: %w", convErrors.ErrInternal)
	}
	if upload.Name == "" {
		upload.Name = name
	}
	if upload.MimeType == "" {
		upload.MimeType = mimeType
	}
	return upload, nil
}

// UploadAttachment creates the attachment and sends data to the presigned
// URL. The mime type is sniffed from the bytes when empty. The upload is
// not retried.
func (c *Client) UploadAttachment(ctx context.Context, conversationID, name string, data []byte, mimeType string) (Attachment, error) {
	if mimeType == "" {
		mimeType = DetectMimeType(name, data)
	}

	upload, err := c.CreateAttachment(ctx, conversationID, name, mimeType)
	if err != nil {
		return Attachment{}, err
	}

	verb := strings.ToUpper(upload.UploadVerb)
	if verb == "" {
		verb = http.MethodPut
	}
	if verb != http.MethodPut && verb != http.MethodPost {
		return Attachment{}, convErrors.InvalidInput(fmt.Sprintf("unsupported upload verb %q", upload.UploadVerb))
	}

	req := c.upload.R().
		SetContext(ctx).
		SetHeaders(upload.UploadHeaders).
		SetBody(data)
	if _, ok := upload.UploadHeaders["Content-Type"]; !ok {
		req.SetHeader("Content-Type", upload.MimeType)
	}

	started := time.Now()
	resp, err := req.Execute(verb, upload.UploadURL)
	if err != nil {
		metrics.RecordRESTRequest("upload_attachment", "error", time.Since(started).Seconds())
		return Attachment{}, fmt.Errorf("upload attachment: %v: %w", err, convErrors.ErrTransient)
	}
	metrics.RecordRESTRequest("upload_attachment", fmt.Sprint(resp.StatusCode()), time.Since(started).Seconds())
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return Attachment{}, &NetworkError{StatusCode: resp.StatusCode(), StatusText: http.StatusText(resp.StatusCode())}
	}

	return Attachment{URI: upload.URI, Name: upload.Name, MimeType: upload.MimeType}, nil
}

// DetectMimeType sniffs data, falling back to the file extension for plain
// text formats the sniffer cannot tell apart.
func DetectMimeType(name string, data []byte) string {
	detected := mimetype.Detect(data)
	if detected.Is("text/plain") {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".md", ".markdown":
			return protocol.MimeTextMarkdown
		}
	}
	return detected.String()
}
