package stats

// Test statuses as reported by comparisons and summaries.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusXFail = "xfail"
	StatusSkip  = "skip"
)

// statusPriority breaks ties between equally frequent statuses.
var statusPriority = []string{StatusFail, StatusPass, StatusXFail, StatusSkip}

// Confidence is the resolved status of a test that ran several times in
// the same build and environment.
type Confidence struct {
	Status string
	Count  int
	Passes int
	Total  int
	// Score is the share of occurrences of Status, in percent.
	Score float64
}

// TestConfidence resolves repeated results of one test. The most frequent
// status wins; ties go to fail, then pass, then xfail, then skip.
func TestConfidence(statuses []string) Confidence {
	if len(statuses) == 0 {
		return Confidence{}
	}

	counts := make(map[string]int, len(statusPriority))
	for _, s := range statuses {
		counts[s]++
	}

	var best Confidence

	for _, s := range statusPriority {
		if counts[s] > best.Count {
			best.Status = s
			best.Count = counts[s]
		}
	}

	// Statuses outside the known set only win when nothing else is present.
	if best.Count == 0 {
		best.Status = statuses[0]
		best.Count = counts[statuses[0]]
	}

	best.Passes = counts[StatusPass]
	best.Total = len(statuses)
	best.Score = 100 * float64(best.Count) / float64(best.Total)

	return best
}
