// Package targetlist supplies the raw target lines a bulk scan is run
// against, from either a local file or a downloaded ranked-domain CSV.
package targetlist

import "context"

// Provider streams raw target lines (before parsing/resolution) for a
// bulk scan. Implementations own their own I/O and must be safe to read
// from a single goroutine.
type Provider interface {
	// Lines returns every raw target line, in provider-defined order.
	Lines(ctx context.Context) ([]string, error)
}
