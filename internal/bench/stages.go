package bench

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// StageTimings accumulates pipeline stage durations across bench runs,
// keeping stages in first-seen order. Runs are sequential, so Observe needs
// no locking.
type StageTimings struct {
	order  []string
	totals map[string]time.Duration
}

// NewStageTimings returns an empty accumulator.
func NewStageTimings() *StageTimings {
	return &StageTimings{totals: make(map[string]time.Duration)}
}

// Observe adds one stage sample. Its signature matches the edit pipeline's
// stage callback, so the method value can be passed straight through.
func (s *StageTimings) Observe(stage string, elapsed time.Duration) {
	if _, seen := s.totals[stage]; !seen {
		s.order = append(s.order, stage)
	}
	s.totals[stage] += elapsed
}

// Stages returns the observed stage names in first-seen order.
func (s *StageTimings) Stages() []string {
	return append([]string(nil), s.order...)
}

// Total returns the summed duration observed for one stage.
func (s *StageTimings) Total(stage string) time.Duration {
	return s.totals[stage]
}

// Empty reports whether no stage samples were observed.
func (s *StageTimings) Empty() bool {
	return len(s.order) == 0
}

// FormatStages writes mean per-stage latency and each stage's share of the
// summed stage time, averaged over runs. No output when nothing was observed.
func FormatStages(st *StageTimings, runs int, w io.Writer) {
	if st == nil || st.Empty() || runs < 1 {
		return
	}

	var total time.Duration
	for _, stage := range st.order {
		total += st.totals[stage]
	}

	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-12s  %10s  %8s\n", "Stage", "Mean(ms)", "Share")
	fmt.Fprintln(sb, strings.Repeat("-", 34))

	for _, stage := range st.order {
		sum := st.totals[stage]
		meanMS := sum.Seconds() * 1000 / float64(runs)

		share := 0.0
		if total > 0 {
			share = 100 * float64(sum) / float64(total)
		}

		fmt.Fprintf(sb, "%-12s  %10.2f  %7.1f%%\n", stage, meanMS, share)
	}

	fmt.Fprint(w, sb.String())
}
