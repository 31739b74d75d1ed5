package prescription

// EstimateComplexity assigns an integer weight in [1,5] used by the batch
// packer. Heavier prescriptions pull more advisor context and rule lookups,
// so batches are capped by summed complexity as well as count.
func EstimateComplexity(p *Prescription) int {
	score := 1

	drugs := len(p.Drugs)
	if drugs > 4 {
		drugs = 4
	}
	score += drugs

	if len(p.ReportRefs) > 0 {
		score += 2
	}
	if len(p.MessageCodes) > 0 {
		score++
	}
	if p.PatientTC != "" {
		score++
	}

	if score > 5 {
		score = 5
	}
	return score
}
