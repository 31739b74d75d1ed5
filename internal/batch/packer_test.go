package batch

import (
	"fmt"
	"testing"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

func makeItems(n int, drugsEach int) []*prescription.Prescription {
	items := make([]*prescription.Prescription, n)
	for i := range items {
		drugs := make([]prescription.Drug, drugsEach)
		items[i] = &prescription.Prescription{
			ID:        fmt.Sprintf("RX-%03d", i),
			PatientTC: "10000000146",
			Diagnosis: "I10",
			Drugs:     drugs,
		}
	}
	return items
}

func TestPackConservation(t *testing.T) {
	items := makeItems(25, 1)
	batches := Pack(items, 10)

	seen := make(map[string]int)
	total := 0
	for _, b := range batches {
		total += len(b.Items)
		for _, item := range b.Items {
			seen[item.ID]++
		}
	}

	if total != len(items) {
		t.Fatalf("packed %d items, want %d", total, len(items))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("item %s appears %d times", id, count)
		}
	}
}

func TestPackPreservesOrder(t *testing.T) {
	items := makeItems(17, 2)
	batches := Pack(items, 5)

	idx := 0
	for _, b := range batches {
		for _, item := range b.Items {
			if item.ID != items[idx].ID {
				t.Fatalf("position %d: got %s, want %s", idx, item.ID, items[idx].ID)
			}
			idx++
		}
	}
}

func TestPackSizeBound(t *testing.T) {
	batches := Pack(makeItems(40, 0), 10)
	for _, b := range batches {
		if len(b.Items) > 10 {
			t.Errorf("batch %d has %d items, limit 10", b.Index, len(b.Items))
		}
	}
}

func TestPackComplexityBound(t *testing.T) {
	// Each item is complexity 5 (tc + 4 drugs, clamped), so with
	// batchSize 3 the complexity cap 2*3=6 allows one item per batch.
	items := makeItems(6, 6)
	batches := Pack(items, 3)

	if len(batches) != 6 {
		t.Fatalf("expected 6 single-item batches, got %d", len(batches))
	}
	for _, b := range batches {
		if b.Complexity > 6 {
			t.Errorf("batch %d complexity %d exceeds cap", b.Index, b.Complexity)
		}
	}
}

func TestPackEmptyInput(t *testing.T) {
	if batches := Pack(nil, 10); len(batches) != 0 {
		t.Errorf("empty input should produce no batches, got %d", len(batches))
	}
}

func TestPackIndexesAreSequential(t *testing.T) {
	batches := Pack(makeItems(23, 1), 7)
	for i, b := range batches {
		if b.Index != i {
			t.Errorf("batch at position %d has index %d", i, b.Index)
		}
	}
}
