package prescription

import "testing"

func TestEstimateComplexity(t *testing.T) {
	tests := []struct {
		name string
		p    Prescription
		want int
	}{
		{"empty", Prescription{}, 1},
		{"tc only", Prescription{PatientTC: "10000000146"}, 2},
		{
			"one drug with tc",
			Prescription{PatientTC: "10000000146", Drugs: []Drug{{Code: "A"}}},
			3,
		},
		{
			"drug contribution capped",
			Prescription{Drugs: []Drug{{}, {}, {}, {}, {}, {}, {}}},
			5,
		},
		{
			"everything clamps to five",
			Prescription{
				PatientTC:    "10000000146",
				Drugs:        []Drug{{}, {}, {}, {}},
				ReportRefs:   []string{"R1"},
				MessageCodes: []string{"M1"},
			},
			5,
		},
		{
			"report refs weigh double",
			Prescription{ReportRefs: []string{"R1"}},
			3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateComplexity(&tt.p); got != tt.want {
				t.Errorf("EstimateComplexity() = %d, want %d", got, tt.want)
			}
		})
	}
}
