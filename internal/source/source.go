// Package source abstracts where prescriptions come from. The batch CLI reads
// JSON array files; the daemon's watcher feeds files it discovers through the
// same reader.
package source

import (
	"context"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

// PrescriptionSource yields prescriptions one at a time. Next returns
// (nil, nil) when the source is exhausted.
type PrescriptionSource interface {
	// Next returns the next prescription, or (nil, nil) at end of input.
	Next(ctx context.Context) (*prescription.Prescription, error)
	// Tag labels records produced from this source.
	Tag() string
	Close() error
}

// ReadAll drains a source into a slice.
func ReadAll(ctx context.Context, src PrescriptionSource) ([]*prescription.Prescription, error) {
	var out []*prescription.Prescription
	for {
		p, err := src.Next(ctx)
		if err != nil {
			return out, err
		}
		if p == nil {
			return out, nil
		}
		out = append(out, p)
	}
}
