// Package batch groups prescriptions into bounded batches and executes them
// with controlled concurrency.
package batch

import (
	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

// Batch is an ordered slice of prescriptions processed sequentially by one
// worker. Index is the batch's position in the run.
type Batch struct {
	Index      int
	Items      []*prescription.Prescription
	Complexity int
}

// Pack splits items into batches, greedy and order-preserving: a new batch
// starts when the current one reaches batchSize items or adding the next item
// would push its summed complexity past 2*batchSize. The union of all batches
// is exactly the input, in input order.
func Pack(items []*prescription.Prescription, batchSize int) []Batch {
	if batchSize <= 0 {
		batchSize = 10
	}

	var batches []Batch
	current := Batch{}
	maxComplexity := 2 * batchSize

	flush := func() {
		if len(current.Items) > 0 {
			current.Index = len(batches)
			batches = append(batches, current)
			current = Batch{}
		}
	}

	for _, item := range items {
		c := prescription.EstimateComplexity(item)
		if len(current.Items) >= batchSize || current.Complexity+c > maxComplexity {
			flush()
		}
		current.Items = append(current.Items, item)
		current.Complexity += c
	}
	flush()

	return batches
}
