package advisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

func testPrescription() *prescription.Prescription {
	return &prescription.Prescription{
		ID:        "RX-1",
		PatientTC: "10000000146",
		Diagnosis: "I10",
		Drugs:     []prescription.Drug{{Code: "C09AA01", Name: "Lisinopril", DailyDose: 5, Unit: "mg"}},
	}
}

func TestHTTPAdvisorParsesProseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Write([]byte(`Here is my assessment:
{"action":"approve","reason":"standard hypertension therapy","confidence":0.95}`))
	}))
	defer srv.Close()

	a, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}

	v, err := a.Advise(context.Background(), testPrescription())
	if err != nil {
		t.Fatalf("Advise failed: %v", err)
	}
	if v.Action != ActionApprove || v.Confidence != 0.95 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestHTTPAdvisorStatusIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	a, _ := NewHTTP(HTTPConfig{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil, nil)
	_, err := a.Advise(context.Background(), testPrescription())
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindTransport {
		t.Errorf("kind = %s, want transport", KindOf(err))
	}
}

func TestHTTPAdvisorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	a, _ := NewHTTP(HTTPConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, nil, nil)
	_, err := a.Advise(context.Background(), testPrescription())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !Retryable(err) {
		t.Error("timeouts must be retryable")
	}
}

func TestHTTPAdvisorGarbageIsParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("I am unable to review this prescription."))
	}))
	defer srv.Close()

	a, _ := NewHTTP(HTTPConfig{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil, nil)
	_, err := a.Advise(context.Background(), testPrescription())
	if KindOf(err) != KindParse {
		t.Errorf("kind = %s, want parse", KindOf(err))
	}
}

func TestStubIsDeterministic(t *testing.T) {
	s := NewStub()
	p := testPrescription()

	first, err := s.Advise(context.Background(), p)
	if err != nil {
		t.Fatalf("stub failed: %v", err)
	}
	second, _ := s.Advise(context.Background(), p)
	if first.Action != second.Action || first.Confidence != second.Confidence {
		t.Error("stub must be deterministic for identical input")
	}
	if first.Action != ActionApprove {
		t.Errorf("clean prescription should approve, got %s", first.Action)
	}
}
