package models

import "time"

// ConsoleSession summarizes one browser session of the console.
type ConsoleSession struct {
	ID           string    `json:"id"`
	ItemCount    int       `json:"itemCount"`
	MaxItems     int       `json:"maxItems"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
}
