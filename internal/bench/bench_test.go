package bench_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/go-audio-edit/internal/bench"
)

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name      string
		durations []time.Duration
		want      bench.Stats
	}{
		{
			name:      "three runs",
			durations: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 200 * time.Millisecond},
			want:      bench.Stats{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond, Mean: 200 * time.Millisecond},
		},
		{
			name:      "single run",
			durations: []time.Duration{150 * time.Millisecond},
			want:      bench.Stats{Min: 150 * time.Millisecond, Max: 150 * time.Millisecond, Mean: 150 * time.Millisecond},
		},
		{
			name: "empty",
			want: bench.Stats{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bench.ComputeStats(tt.durations); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCalcRTF(t *testing.T) {
	// Half a second of wall clock per second of audio.
	if rtf := bench.CalcRTF(500*time.Millisecond, time.Second); rtf < 0.499 || rtf > 0.501 {
		t.Errorf("RTF = %.4f, want 0.5", rtf)
	}
	if rtf := bench.CalcRTF(500*time.Millisecond, 0); rtf != 0 {
		t.Errorf("RTF = %.4f for zero audio duration, want 0", rtf)
	}
}

func TestCheckRTFThreshold(t *testing.T) {
	tests := []struct {
		name      string
		meanRTF   float64
		threshold float64
		wantErr   bool
	}{
		{"above threshold", 1.5, 1.0, true},
		{"below threshold", 0.8, 1.0, false},
		{"exactly at threshold", 1.0, 1.0, false},
		{"zero threshold disables gate", 9999, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bench.CheckRTFThreshold(tt.meanRTF, tt.threshold)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckRTFThreshold(%v, %v) = %v, wantErr %v", tt.meanRTF, tt.threshold, err, tt.wantErr)
			}
		})
	}
}

func benchRuns() ([]bench.RunResult, bench.Stats) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 800 * time.Millisecond, WAVDuration: time.Second, RTF: 0.8},
		{Index: 1, Cold: false, Duration: 500 * time.Millisecond, WAVDuration: time.Second, RTF: 0.5},
	}
	return runs, bench.ComputeStats([]time.Duration{800 * time.Millisecond, 500 * time.Millisecond})
}

func TestFormatTable(t *testing.T) {
	runs, stats := benchRuns()

	var buf strings.Builder
	bench.FormatTable(runs, stats, &buf)
	out := strings.ToLower(buf.String())

	for _, want := range []string{"run", "cold", "ms", "rtf", "mean"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestFormatJSON(t *testing.T) {
	runs, stats := benchRuns()

	var buf bytes.Buffer
	bench.FormatJSON(runs, stats, &buf)

	var report struct {
		Runs []struct {
			Cold       bool    `json:"cold"`
			DurationMS float64 `json:"duration_ms"`
			RTF        float64 `json:"rtf"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}

	if len(report.Runs) != 2 || !report.Runs[0].Cold {
		t.Fatalf("unexpected runs: %+v", report.Runs)
	}
	if report.Runs[1].DurationMS != 500 {
		t.Errorf("duration_ms = %v, want 500", report.Runs[1].DurationMS)
	}
	if report.Stats.MeanMS != 650 {
		t.Errorf("mean_ms = %v, want 650", report.Stats.MeanMS)
	}
}
