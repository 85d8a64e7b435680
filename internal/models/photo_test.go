package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceFile_DeclaredImage(t *testing.T) {
	tests := []struct {
		contentType string
		expected    bool
	}{
		{"", true},
		{"application/octet-stream", true},
		{"image/jpeg", true},
		{"IMAGE/PNG", true},
		{"image/webp; charset=binary", true},
		{"text/plain", false},
		{"application/pdf", false},
		{"video/mp4", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			f := SourceFile{Name: "f", ContentType: tt.contentType}
			assert.Equal(t, tt.expected, f.DeclaredImage())
		})
	}
}

func TestNewSourceFile(t *testing.T) {
	f := NewSourceFile("a.jpg", []byte("abc"))
	assert.Equal(t, "a.jpg", f.Name)
	assert.Equal(t, int64(3), f.Size)
	assert.Empty(t, f.ContentType)
}
