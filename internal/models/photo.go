package models

import (
	"strings"
	"time"
)

// SourceFile is a file exactly as the user selected it. ContentType is the
// type the client declared, if any. Data is never modified after
// construction.
type SourceFile struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"-"`
}

// NewSourceFile wraps raw bytes as a SourceFile.
func NewSourceFile(name string, data []byte) SourceFile {
	return SourceFile{Name: name, Size: int64(len(data)), Data: data}
}

// DeclaredImage reports whether the declared content type allows an image.
// An empty type and application/octet-stream are left to the decoder.
func (f SourceFile) DeclaredImage() bool {
	ct := strings.ToLower(strings.TrimSpace(f.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "" || ct == "application/octet-stream" || strings.HasPrefix(ct, "image/")
}

// DerivedAsset is a raster re-encoded from a SourceFile for one Target.
// Quality is 0 when the source was passed through. BestEffort is set when
// the byte budget was not reached and the smallest attempt was kept.
type DerivedAsset struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Quality     int    `json:"quality"`
	BestEffort  bool   `json:"bestEffort"`
	Data        []byte `json:"-"`
}

// Size returns the encoded byte length.
func (a *DerivedAsset) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// BatchItem is one accepted photo in a catalog.
type BatchItem struct {
	ID            string        `json:"id"`
	PreviewHandle string        `json:"previewHandle"`
	Source        SourceFile    `json:"source"`
	Preview       *DerivedAsset `json:"preview"`
	Upload        *DerivedAsset `json:"upload"`
	AcceptedAt    time.Time     `json:"acceptedAt"`
}

// Complete reports whether both variants and the preview handle exist.
func (b *BatchItem) Complete() bool {
	return b != nil && b.ID != "" && b.PreviewHandle != "" && b.Upload != nil && len(b.Upload.Data) > 0
}
