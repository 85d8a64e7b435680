package models

import "time"

// PreviewInfo describes a stored preview blob.
type PreviewInfo struct {
	Handle      string    `json:"handle"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}
