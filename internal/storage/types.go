package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one journal line. Topic is the bus topic that produced it.
type Record struct {
	At      time.Time `json:"at"`
	Topic   string    `json:"topic"`
	Addr    string    `json:"addr,omitempty"`
	MID     uint32    `json:"mid,omitempty"`
	Type    uint8     `json:"type,omitempty"`
	Size    int       `json:"size,omitempty"`
	Payload string    `json:"payload,omitempty"`
	Note    string    `json:"note,omitempty"`
}
