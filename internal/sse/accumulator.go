package sse

import "strings"

// Accumulator reconstructs answer text from cumulative-by-append deltas.
// Each delta's text is concatenated onto prior deltas for the same thread
// item. Not safe for concurrent use; the orchestrator feeds it from a single
// loop.
type Accumulator struct {
	answers map[string]*strings.Builder
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{answers: make(map[string]*strings.Builder)}
}

// Append concatenates delta text for a thread item.
func (a *Accumulator) Append(threadItemID, text string) {
	b, ok := a.answers[threadItemID]
	if !ok {
		b = &strings.Builder{}
		a.answers[threadItemID] = b
	}
	b.WriteString(text)
}

// Answer returns the accumulated text for a thread item.
func (a *Accumulator) Answer(threadItemID string) string {
	if b, ok := a.answers[threadItemID]; ok {
		return b.String()
	}
	return ""
}

// TotalChars returns the total accumulated length across all thread items.
func (a *Accumulator) TotalChars() int {
	total := 0
	for _, b := range a.answers {
		total += b.Len()
	}
	return total
}
