package discovery

import (
	"context"
	"time"
)

// Scanner is the adapter contract for a single content source. Scan returns a
// bounded, platform-specific list of candidates; transport and parse failures
// surface as an empty list plus an error the aggregator logs as a warning.
// Implementations must be safe for concurrent use, must not mutate shared
// state, and own their per-request rate limiting; the aggregator imposes the
// outer deadline.
type Scanner interface {
	Scan(ctx context.Context, niche string, publishedAfter time.Time) ([]ContentCandidate, error)
	Platform() string
}

// ScannerRegistry holds the adapters participating in fan-outs. It is built
// once at startup and read-only afterwards.
type ScannerRegistry struct {
	scanners []Scanner
}

func NewScannerRegistry(scanners ...Scanner) *ScannerRegistry {
	return &ScannerRegistry{scanners: scanners}
}

func (r *ScannerRegistry) Register(s Scanner) {
	r.scanners = append(r.scanners, s)
}

func (r *ScannerRegistry) Scanners() []Scanner {
	return r.scanners
}
