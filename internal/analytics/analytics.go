// Package analytics folds a closed sequence of decision records into
// structured report views. Aggregation is pure: same records and duration in,
// same analytics out.
package analytics

import "time"

// Summary is the headline view of a batch run.
type Summary struct {
	Total             int            `json:"total"`
	Decisions         map[string]int `json:"decisions"`
	SuccessRate       float64        `json:"success_rate"`
	AvgProcessingTime float64        `json:"avg_processing_time"` // seconds, non-error records
	ThroughputPerMin  float64        `json:"throughput_per_minute"`
	AdvisorUsedRate   float64        `json:"advisor_used_rate"`
	AvgConfidence     float64        `json:"avg_confidence"`
	BatchDurationSecs float64        `json:"batch_duration_seconds"`
}

// Agreement partitions decisions by how the rule engine, the advisor and the
// final decision relate.
type Agreement struct {
	Perfect  int `json:"perfect"`
	Partial  int `json:"partial"`
	Conflict int `json:"conflict"`
}

// Triple is one (sut, advisor, final) combination and its frequency.
type Triple struct {
	SUT     string `json:"sut"`
	Advisor string `json:"advisor"`
	Final   string `json:"final"`
	Count   int    `json:"count"`
}

// DecisionAnalysis describes how final decisions were reached.
type DecisionAnalysis struct {
	Distribution map[string]int `json:"distribution"`
	Agreement    Agreement      `json:"agreement"`
	TopTriples   []Triple       `json:"top_triples"`
	ConflictIDs  []string       `json:"conflict_ids,omitempty"`
}

// SeverityBuckets classify records by hard-violation pressure.
type SeverityBuckets struct {
	High   int `json:"high"`   // issues >= 3
	Medium int `json:"medium"` // issues 1..2
	Low    int `json:"low"`    // no issues but warnings present
	None   int `json:"none"`
}

// Compliance summarizes rule-engine outcomes.
type Compliance struct {
	CompliantRate  float64         `json:"compliant_rate"`
	TotalIssues    int             `json:"total_issues"`
	TotalWarnings  int             `json:"total_warnings"`
	Severity       SeverityBuckets `json:"severity"`
	ProblematicIDs []string        `json:"problematic_ids,omitempty"`
}

// Performance carries timing statistics and bottleneck heuristics.
type Performance struct {
	AvgProcessingTime float64  `json:"avg_processing_time"`
	MinProcessingTime float64  `json:"min_processing_time"`
	MaxProcessingTime float64  `json:"max_processing_time"`
	SlowItems         int      `json:"slow_items"` // time > 2x mean
	AvgSUTTime        float64  `json:"avg_sut_time"`
	AvgAITime         float64  `json:"avg_ai_time"`
	Bottlenecks       []string `json:"bottlenecks,omitempty"`
}

// ErrorAnalysis summarizes failures across the run.
type ErrorAnalysis struct {
	Count       int            `json:"count"`
	Rate        float64        `json:"rate"`
	ByKind      map[string]int `json:"by_kind,omitempty"`
	TopMessages []string       `json:"top_messages,omitempty"`
	IDs         []string       `json:"ids,omitempty"`
}

// DrugAnalysis is the per-drug frequency and approval view.
type DrugAnalysis struct {
	Frequency    map[string]int     `json:"frequency,omitempty"`
	ApprovalRate map[string]float64 `json:"approval_rate,omitempty"`
	Problematic  []string           `json:"problematic,omitempty"` // approval < 50%
}

// Temporal is the by-hour view of the run.
type Temporal struct {
	ByHour        map[int]int     `json:"by_hour,omitempty"`
	PeakHour      int             `json:"peak_hour"`
	AvgTimeByHour map[int]float64 `json:"avg_time_by_hour,omitempty"`
	Earliest      time.Time       `json:"earliest,omitempty"`
	Latest        time.Time       `json:"latest,omitempty"`
}

// Analytics is the full derived view over one run's decision records.
type Analytics struct {
	Summary         Summary          `json:"summary"`
	Decisions       DecisionAnalysis `json:"decision_analysis"`
	Compliance      Compliance       `json:"compliance"`
	Performance     Performance      `json:"performance"`
	Errors          ErrorAnalysis    `json:"errors"`
	Drugs           DrugAnalysis     `json:"drugs"`
	Temporal        Temporal         `json:"temporal"`
	Recommendations []string         `json:"recommendations,omitempty"`
}
