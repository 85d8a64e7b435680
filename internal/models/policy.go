package models

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Target bounds one derived variant.
type Target struct {
	MaxDimension    int   `json:"maxDimension" yaml:"maxDimension"`
	MaxEncodedBytes int64 `json:"maxEncodedBytes" yaml:"maxEncodedBytes"`
}

// Policy holds the ingestion limits. Values are fixed for the life of the process.
type Policy struct {
	MaxItemCount   int    `json:"maxItemCount"`
	MaxSourceBytes int64  `json:"maxSourceBytes"`
	Preview        Target `json:"preview"`
	Upload         Target `json:"upload"`
}

const (
	DefaultMaxItemCount        = 30
	DefaultMaxSourceBytes      = 2 * 1024 * 1024
	DefaultPreviewMaxDimension = 360
	DefaultUploadMaxDimension  = 500
	DefaultVariantMaxBytes     = 200 * 1024
)

// DefaultPolicy returns the console's built-in limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxItemCount:   DefaultMaxItemCount,
		MaxSourceBytes: DefaultMaxSourceBytes,
		Preview: Target{
			MaxDimension:    DefaultPreviewMaxDimension,
			MaxEncodedBytes: DefaultVariantMaxBytes,
		},
		Upload: Target{
			MaxDimension:    DefaultUploadMaxDimension,
			MaxEncodedBytes: DefaultVariantMaxBytes,
		},
	}
}

// Validate rejects limits that would make every selection fail.
func (p Policy) Validate() error {
	if p.MaxItemCount <= 0 {
		return fmt.Errorf("max item count must be positive, got %d", p.MaxItemCount)
	}
	if p.MaxSourceBytes <= 0 {
		return fmt.Errorf("max source size must be positive, got %d", p.MaxSourceBytes)
	}
	if err := p.Preview.validate("preview"); err != nil {
		return err
	}
	return p.Upload.validate("upload")
}

func (t Target) validate(name string) error {
	if t.MaxDimension <= 0 {
		return fmt.Errorf("%s max dimension must be positive, got %d", name, t.MaxDimension)
	}
	if t.MaxEncodedBytes <= 0 {
		return fmt.Errorf("%s max encoded size must be positive, got %d", name, t.MaxEncodedBytes)
	}
	return nil
}

// CountLimitMessage is shown when a selection would overflow the catalog.
func (p Policy) CountLimitMessage() string {
	return fmt.Sprintf("You can upload a maximum of %d files.", p.MaxItemCount)
}

// SizeLimitMessage is shown for a source file over MaxSourceBytes.
func (p Policy) SizeLimitMessage() string {
	return fmt.Sprintf("Each file must be smaller than %s.", humanize.IBytes(uint64(p.MaxSourceBytes)))
}
