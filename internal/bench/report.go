package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-4s  %-4s  %9s  %10s  %7s\n", "Run", "Cold", "Edit(ms)", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 42))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-4d  %-4s  %9.1f  %10.1f  %7.3f\n",
			r.Index+1, cold, millis(r.Duration), millis(r.WAVDuration), r.RTF)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 42))
	fmt.Fprintf(sb, "edit ms: min %.1f  mean %.1f  max %.1f\n",
		millis(stats.Min), millis(stats.Mean), millis(stats.Max))

	fmt.Fprint(w, sb.String())
}

// FormatJSON writes the bench report as indented JSON to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	type jsonRun struct {
		Index      int     `json:"index"`
		Cold       bool    `json:"cold"`
		DurationMS float64 `json:"duration_ms"`
		AudioMS    float64 `json:"audio_ms"`
		RTF        float64 `json:"rtf"`
	}
	report := struct {
		Runs  []jsonRun `json:"runs"`
		Stats struct {
			MinMS  float64 `json:"min_ms"`
			MeanMS float64 `json:"mean_ms"`
			MaxMS  float64 `json:"max_ms"`
		} `json:"stats"`
	}{Runs: make([]jsonRun, 0, len(runs))}

	for _, r := range runs {
		report.Runs = append(report.Runs, jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: millis(r.Duration),
			AudioMS:    millis(r.WAVDuration),
			RTF:        r.RTF,
		})
	}
	report.Stats.MinMS = millis(stats.Min)
	report.Stats.MeanMS = millis(stats.Mean)
	report.Stats.MaxMS = millis(stats.Max)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
