// Package discardlog provides the no-op slog.Logger every constructor in
// this repo falls back to when called with a nil logger, centralized here
// since it is used identically everywhere.
package discardlog

import "log/slog"

type writer struct{}

func (writer) Write(p []byte) (int, error) { return len(p), nil }

// New returns a *slog.Logger that discards every record.
func New() *slog.Logger {
	return slog.New(slog.NewTextHandler(writer{}, nil))
}
