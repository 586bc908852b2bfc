// Package bench provides timing primitives for the audioedit bench command:
// per-run stats, real-time-factor math, and report formatting.
package bench

import (
	"fmt"
	"time"
)

// RunResult holds one benchmarked edit: wall-clock timing plus the duration
// of the audio it produced.
type RunResult struct {
	Index       int
	Cold        bool // first run, pays session warm-up
	Duration    time.Duration
	WAVDuration time.Duration
	RTF         float64
}

// Stats aggregates wall-clock durations across runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats returns min, max and mean of durations. Empty input yields
// zero stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	s := Stats{Min: durations[0], Max: durations[0]}
	var total time.Duration
	for _, d := range durations {
		total += d
		if d < s.Min {
			s.Min = d
		}
		if d > s.Max {
			s.Max = d
		}
	}
	s.Mean = total / time.Duration(len(durations))

	return s
}

// CalcRTF returns the real-time factor editDur/audioDur, the wall-clock cost
// of producing one second of audio. Zero when audioDur is not positive.
func CalcRTF(editDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(editDur) / float64(audioDur)
}

// CheckRTFThreshold returns an error when meanRTF exceeds threshold. A
// threshold of zero or less disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}
