package submit

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/courtside/photodesk/internal/models"
)

// Multipart field names expected by the photo backend.
const (
	FieldPhotos      = "photos"
	FieldPhotoIDs    = "photo_ids"
	FieldUploadTimes = "upload_times"
)

// TimeLayout is the acceptance timestamp format: UTC with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Part is one photo in an outbound batch.
type Part struct {
	ID          string
	FileName    string
	ContentType string
	UploadTime  string
	Data        []byte
}

// Payload is the whole batch, in catalog order.
type Payload struct {
	Parts []Part
}

// BuildPayload converts catalog items into a payload. Each photo is sent
// as its upload variant under the original file name.
func BuildPayload(items []models.BatchItem) *Payload {
	p := &Payload{Parts: make([]Part, 0, len(items))}
	for _, item := range items {
		contentType := item.Upload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		p.Parts = append(p.Parts, Part{
			ID:          item.ID,
			FileName:    item.Source.Name,
			ContentType: contentType,
			UploadTime:  FormatTime(item.AcceptedAt),
			Data:        item.Upload.Data,
		})
	}
	return p
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// IDs returns the item ids in payload order.
func (p *Payload) IDs() []string {
	ids := make([]string, len(p.Parts))
	for i, part := range p.Parts {
		ids[i] = part.ID
	}
	return ids
}

// Encode writes the payload as multipart/form-data. For every photo the
// fields photos, photo_ids and upload_times are written in that order.
func (p *Payload) Encode() (*bytes.Buffer, string, error) {
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)

	for _, part := range p.Parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			FieldPhotos, escapeQuotes(part.FileName)))
		h.Set("Content-Type", part.ContentType)
		fw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating photo part: %w", err)
		}
		if _, err := fw.Write(part.Data); err != nil {
			return nil, "", fmt.Errorf("writing photo %s: %w", part.FileName, err)
		}
		if err := w.WriteField(FieldPhotoIDs, part.ID); err != nil {
			return nil, "", fmt.Errorf("writing photo id: %w", err)
		}
		if err := w.WriteField(FieldUploadTimes, part.UploadTime); err != nil {
			return nil, "", fmt.Errorf("writing upload time: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
