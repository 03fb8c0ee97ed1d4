// Package logx wraps zerolog behind a small field-based API.
//
// It supports three sinks: console, an optional log file, and an optional
// "operator mirror" that forwards warn+ lines to the bot operator over the
// messaging transport (rate limited, best-effort, never blocking).
package logx
