package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + append journal)
//   - "sqlite": SQLite database file
type Config struct {
	Driver string
	Path   string
}

// ForwardEntry records one successfully published forward.
// Keep it compact and schema-stable.
type ForwardEntry struct {
	At           time.Time
	SourceChatID int64
	SourceMsgID  int
	TargetChatID int64
	Keys         []string
	Shortened    bool
	TookMS       int64
}
