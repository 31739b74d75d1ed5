package prescription

import (
	"encoding/json"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestValidate(t *testing.T) {
	base := func() *Prescription {
		return &Prescription{
			ID:        "RX-001",
			PatientTC: "10000000146",
			Diagnosis: "I10",
			Drugs:     []Drug{{Code: "C09AA01", Name: "Lisinopril", DailyDose: 5, Unit: "mg"}},
			CreatedAt: time.Now().UTC(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Prescription)
		wantErr bool
	}{
		{"valid", func(p *Prescription) {}, false},
		{"valid with subcode", func(p *Prescription) { p.Diagnosis = "E11.9" }, false},
		{"missing id", func(p *Prescription) { p.ID = "  " }, true},
		{"short tc", func(p *Prescription) { p.PatientTC = "123" }, true},
		{"tc bad checksum", func(p *Prescription) { p.PatientTC = "12345678901" }, true},
		{"tc leading zero", func(p *Prescription) { p.PatientTC = "01000000146" }, true},
		{"tc non digit", func(p *Prescription) { p.PatientTC = "1000000014X" }, true},
		{"bad diagnosis", func(p *Prescription) { p.Diagnosis = "110" }, true},
		{"diagnosis too deep", func(p *Prescription) { p.Diagnosis = "I10.123" }, true},
		{"negative dose", func(p *Prescription) { p.Drugs[0].DailyDose = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidTC(t *testing.T) {
	if !ValidTC("12345678950") {
		t.Error("expected 12345678950 to be valid")
	}
	if ValidTC("12345678950x") {
		t.Error("12 characters should be invalid")
	}
}

func TestUnmarshalPreservesExtras(t *testing.T) {
	data := []byte(`{
		"prescription_id": "RX-7",
		"patient_tc": "10000000146",
		"diagnosis_code": "I10",
		"drugs": [{"code": "C09AA01", "name": "Lisinopril", "daily_dose": 5, "unit": "mg"}],
		"pharmacy_note": "keep refrigerated",
		"portal_row": 42
	}`)

	var p Prescription
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if p.ID != "RX-7" {
		t.Errorf("id = %q", p.ID)
	}
	if len(p.Extras) != 2 {
		t.Fatalf("expected 2 extras, got %d", len(p.Extras))
	}
	if _, ok := p.Extras["pharmacy_note"]; !ok {
		t.Error("pharmacy_note not preserved")
	}

	// Round trip keeps the unknown keys.
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var roundTrip map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
	if _, ok := roundTrip["portal_row"]; !ok {
		t.Error("portal_row lost in round trip")
	}
}

func TestNormalizeATC(t *testing.T) {
	if got := NormalizeATC("c09.aa.01"); got != "C09AA01" {
		t.Errorf("NormalizeATC = %q", got)
	}
}

func TestAge(t *testing.T) {
	p := &Prescription{}
	if _, ok := p.Age(); ok {
		t.Error("expected unknown age")
	}
	p.PatientAge = intPtr(67)
	if age, ok := p.Age(); !ok || age != 67 {
		t.Errorf("Age() = %d, %v", age, ok)
	}
}
