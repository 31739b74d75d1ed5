package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/medikontrol/go-sut/internal/decision"
)

// Bottleneck heuristics.
const (
	slowAdvisorSecs    = 3.0
	slowRulesSecs      = 1.0
	highErrorRate      = 0.10
	lowAdvisorUsedRate = 0.5
	problematicRate    = 0.5
)

// Aggregate folds decision records into analytics. batchDuration is the wall
// time of the whole run, used for throughput. Records are not modified.
func Aggregate(records []*decision.Record, batchDuration time.Duration) *Analytics {
	a := &Analytics{
		Summary: Summary{
			Total:             len(records),
			Decisions:         map[string]int{},
			BatchDurationSecs: round3(batchDuration.Seconds()),
		},
		Decisions: DecisionAnalysis{Distribution: map[string]int{}},
	}
	if len(records) == 0 {
		return a
	}

	a.Summary.Decisions = countDecisions(records)
	a.Decisions.Distribution = a.Summary.Decisions

	aggregateSummary(a, records, batchDuration)
	aggregateDecisions(a, records)
	aggregateCompliance(a, records)
	aggregatePerformance(a, records)
	aggregateErrors(a, records)
	aggregateDrugs(a, records)
	aggregateTemporal(a, records)
	a.Recommendations = buildRecommendations(a)
	return a
}

func countDecisions(records []*decision.Record) map[string]int {
	out := make(map[string]int, 4)
	for _, r := range records {
		out[string(r.FinalDecision)]++
	}
	return out
}

func aggregateSummary(a *Analytics, records []*decision.Record, d time.Duration) {
	total := len(records)
	ok := 0
	advisorUsed := 0
	var sumTime, sumConf float64

	for _, r := range records {
		if r.IsError() {
			continue
		}
		ok++
		sumTime += r.Metadata.ProcessingTime
		sumConf += r.Confidence()
		if r.Metadata.AdvisorUsed {
			advisorUsed++
		}
	}

	a.Summary.SuccessRate = round3(float64(ok) / float64(total))
	if ok > 0 {
		a.Summary.AvgProcessingTime = round3(sumTime / float64(ok))
		a.Summary.AvgConfidence = round3(sumConf / float64(ok))
		a.Summary.AdvisorUsedRate = round3(float64(advisorUsed) / float64(ok))
	}
	if mins := d.Minutes(); mins > 0 {
		a.Summary.ThroughputPerMin = round3(float64(total) / mins)
	}
}

// aggregateDecisions partitions non-error records by how the rule engine and
// the advisor related to the final decision: perfect when all three agree,
// conflict when the two analyses disagree with each other, partial otherwise
// (threshold downgrades, advisor absent).
func aggregateDecisions(a *Analytics, records []*decision.Record) {
	triples := make(map[Triple]int)

	for _, r := range records {
		if r.IsError() || r.SUT == nil {
			continue
		}
		sut := r.SUT.MappedAction()
		ai := ""
		if r.AI != nil {
			ai = string(r.AI.Action)
		}
		final := string(r.FinalDecision)

		key := Triple{SUT: sut, Advisor: ai, Final: final}
		triples[key]++

		switch {
		case ai == "":
			a.Decisions.Agreement.Partial++
		case sut == ai && ai == final:
			a.Decisions.Agreement.Perfect++
		case sut != ai:
			a.Decisions.Agreement.Conflict++
			a.Decisions.ConflictIDs = append(a.Decisions.ConflictIDs, r.PrescriptionID)
		default:
			a.Decisions.Agreement.Partial++
		}
	}

	a.Decisions.TopTriples = topTriples(triples, 5)
	sort.Strings(a.Decisions.ConflictIDs)
}

func topTriples(counts map[Triple]int, n int) []Triple {
	out := make([]Triple, 0, len(counts))
	for t, c := range counts {
		t.Count = c
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		// Stable order among ties.
		a, b := out[i], out[j]
		if a.SUT != b.SUT {
			return a.SUT < b.SUT
		}
		if a.Advisor != b.Advisor {
			return a.Advisor < b.Advisor
		}
		return a.Final < b.Final
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func aggregateCompliance(a *Analytics, records []*decision.Record) {
	evaluated := 0
	compliant := 0

	for _, r := range records {
		if r.SUT == nil {
			continue
		}
		evaluated++
		if r.SUT.Status == "approved" {
			compliant++
		}
		issues := r.SUT.IssuesCount
		warnings := r.SUT.WarningsCount
		a.Compliance.TotalIssues += issues
		a.Compliance.TotalWarnings += warnings

		switch {
		case issues >= 3:
			a.Compliance.Severity.High++
			a.Compliance.ProblematicIDs = append(a.Compliance.ProblematicIDs, r.PrescriptionID)
		case issues >= 1:
			a.Compliance.Severity.Medium++
		case warnings > 0:
			a.Compliance.Severity.Low++
		default:
			a.Compliance.Severity.None++
		}
	}

	if evaluated > 0 {
		a.Compliance.CompliantRate = round3(float64(compliant) / float64(evaluated))
	}
	sort.Strings(a.Compliance.ProblematicIDs)
}

func aggregatePerformance(a *Analytics, records []*decision.Record) {
	var times []float64
	var sumSUT, sumAI float64
	aiSamples := 0

	for _, r := range records {
		if r.IsError() {
			continue
		}
		times = append(times, r.Metadata.ProcessingTime)
		sumSUT += r.Metadata.SUTTime
		if r.Metadata.AdvisorUsed {
			sumAI += r.Metadata.AITime
			aiSamples++
		}
	}
	if len(times) == 0 {
		return
	}

	min, max, sum := times[0], times[0], 0.0
	for _, t := range times {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
		sum += t
	}
	mean := sum / float64(len(times))

	slow := 0
	for _, t := range times {
		if t > 2*mean {
			slow++
		}
	}

	a.Performance.AvgProcessingTime = round3(mean)
	a.Performance.MinProcessingTime = round3(min)
	a.Performance.MaxProcessingTime = round3(max)
	a.Performance.SlowItems = slow
	a.Performance.AvgSUTTime = round3(sumSUT / float64(len(times)))
	if aiSamples > 0 {
		a.Performance.AvgAITime = round3(sumAI / float64(aiSamples))
	}

	if a.Performance.AvgAITime > slowAdvisorSecs {
		a.Performance.Bottlenecks = append(a.Performance.Bottlenecks, "advisor latency dominates item time")
	}
	if a.Performance.AvgSUTTime > slowRulesSecs {
		a.Performance.Bottlenecks = append(a.Performance.Bottlenecks, "rule evaluation is unusually slow")
	}
	if errRate(a) > highErrorRate {
		a.Performance.Bottlenecks = append(a.Performance.Bottlenecks, "error rate above 10%")
	}
	if a.Summary.AdvisorUsedRate > 0 && a.Summary.AdvisorUsedRate < lowAdvisorUsedRate {
		a.Performance.Bottlenecks = append(a.Performance.Bottlenecks, "advisor reached on fewer than half of items")
	}
}

func errRate(a *Analytics) float64 {
	if a.Summary.Total == 0 {
		return 0
	}
	return float64(a.Summary.Decisions[string(decision.FinalError)]) / float64(a.Summary.Total)
}

func aggregateErrors(a *Analytics, records []*decision.Record) {
	byKind := make(map[string]int)
	msgCounts := make(map[string]int)

	for _, r := range records {
		if r.IsError() {
			a.Errors.Count++
			a.Errors.IDs = append(a.Errors.IDs, r.PrescriptionID)
			if r.ErrorType != "" {
				byKind[r.ErrorType]++
			}
			if r.Error != "" {
				msgCounts[r.Error]++
			}
		}
		// Advisor failures are tracked even when composition recovered.
		switch r.Metadata.AdvisorError {
		case "transport", "timeout":
			byKind["advisor_transient"]++
		case "parse":
			byKind["advisor_parse"]++
		}
	}

	a.Errors.Rate = round3(float64(a.Errors.Count) / float64(len(records)))
	if len(byKind) > 0 {
		a.Errors.ByKind = byKind
	}
	a.Errors.TopMessages = topStrings(msgCounts, 5)
	sort.Strings(a.Errors.IDs)
}

func topStrings(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func aggregateDrugs(a *Analytics, records []*decision.Record) {
	freq := make(map[string]int)
	approved := make(map[string]int)

	for _, r := range records {
		if r.Raw == nil {
			continue
		}
		for _, d := range r.Raw.Drugs {
			name := d.Name
			if name == "" {
				name = d.Code
			}
			freq[name]++
			if r.FinalDecision == decision.FinalApprove {
				approved[name]++
			}
		}
	}
	if len(freq) == 0 {
		return
	}

	a.Drugs.Frequency = freq
	a.Drugs.ApprovalRate = make(map[string]float64, len(freq))
	for name, n := range freq {
		rate := float64(approved[name]) / float64(n)
		a.Drugs.ApprovalRate[name] = round3(rate)
		if rate < problematicRate {
			a.Drugs.Problematic = append(a.Drugs.Problematic, name)
		}
	}
	sort.Strings(a.Drugs.Problematic)
}

func aggregateTemporal(a *Analytics, records []*decision.Record) {
	byHour := make(map[int]int)
	timeByHour := make(map[int]float64)

	for _, r := range records {
		ts := r.Metadata.Timestamp
		if ts.IsZero() {
			continue
		}
		h := ts.UTC().Hour()
		byHour[h]++
		timeByHour[h] += r.Metadata.ProcessingTime

		if a.Temporal.Earliest.IsZero() || ts.Before(a.Temporal.Earliest) {
			a.Temporal.Earliest = ts
		}
		if ts.After(a.Temporal.Latest) {
			a.Temporal.Latest = ts
		}
	}
	if len(byHour) == 0 {
		return
	}

	a.Temporal.ByHour = byHour
	a.Temporal.AvgTimeByHour = make(map[int]float64, len(byHour))
	peak, peakCount := 0, -1
	for h := 0; h < 24; h++ {
		n, ok := byHour[h]
		if !ok {
			continue
		}
		a.Temporal.AvgTimeByHour[h] = round3(timeByHour[h] / float64(n))
		if n > peakCount {
			peak, peakCount = h, n
		}
	}
	a.Temporal.PeakHour = peak
}

func buildRecommendations(a *Analytics) []string {
	var recs []string

	if rate := errRate(a); rate > highErrorRate {
		recs = append(recs, fmt.Sprintf("investigate error sources: %.1f%% of items failed", rate*100))
	}
	if a.Performance.AvgAITime > slowAdvisorSecs {
		recs = append(recs, "review advisor endpoint latency or raise the item timeout")
	}
	if len(a.Drugs.Problematic) > 0 {
		recs = append(recs, fmt.Sprintf("audit rule coverage for low-approval drugs: %v", a.Drugs.Problematic))
	}
	total := a.Decisions.Agreement.Perfect + a.Decisions.Agreement.Partial + a.Decisions.Agreement.Conflict
	if total > 0 {
		if conflictRate := float64(a.Decisions.Agreement.Conflict) / float64(total); conflictRate > 0.25 {
			recs = append(recs, "rule engine and advisor disagree often, review the snapshot tables")
		}
	}
	if a.Compliance.Severity.High > 0 {
		recs = append(recs, fmt.Sprintf("%d prescriptions carry 3+ hard violations, escalate for manual review",
			a.Compliance.Severity.High))
	}
	return recs
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
