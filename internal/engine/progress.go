package engine

import "strings"

// Milestone substrings emitted by the engine on stdout, mapped to coarse
// progress percentages.
var milestones = []struct {
	marker  string
	percent int
}{
	{"Processing", 25},
	{"Transcribing", 50},
	{"Translating", 75},
}

// ProgressTracker maps engine stdout lines to a monotonically advancing
// 0-100 progress counter.
type ProgressTracker struct {
	current int
}

// Observe inspects one stdout line. It returns the current progress and
// whether the line advanced it.
func (t *ProgressTracker) Observe(line string) (int, bool) {
	for _, m := range milestones {
		if strings.Contains(line, m.marker) && m.percent > t.current {
			t.current = m.percent
			return t.current, true
		}
	}
	return t.current, false
}

// Complete forces the counter to 100.
func (t *ProgressTracker) Complete() int {
	t.current = 100
	return t.current
}

func (t *ProgressTracker) Current() int {
	return t.current
}
