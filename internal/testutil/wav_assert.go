package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/example/go-audio-edit/internal/edit"
)

// wavFormat is the fmt-chunk view of a RIFF file plus its data payload size.
type wavFormat struct {
	AudioFormat uint16
	Channels    uint16
	SampleRate  uint32
	BitDepth    uint16
	DataBytes   uint32
}

func parseWAV(data []byte) (wavFormat, error) {
	if len(data) < 44 {
		return wavFormat{}, fmt.Errorf("too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return wavFormat{}, fmt.Errorf("missing RIFF header (got %q)", string(data[0:4]))
	}
	if string(data[8:12]) != "WAVE" {
		return wavFormat{}, fmt.Errorf("missing WAVE marker (got %q)", string(data[8:12]))
	}
	if string(data[12:16]) != "fmt " {
		return wavFormat{}, fmt.Errorf("missing fmt chunk (got %q)", string(data[12:16]))
	}

	f := wavFormat{
		AudioFormat: binary.LittleEndian.Uint16(data[20:22]),
		Channels:    binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:  binary.LittleEndian.Uint32(data[24:28]),
		BitDepth:    binary.LittleEndian.Uint16(data[34:36]),
	}

	size, err := dataChunkSize(data)
	if err != nil {
		return wavFormat{}, err
	}
	f.DataBytes = size

	return f, nil
}

// AssertValidWAV checks that data is a PCM WAV file in the edit pipeline's
// output format: 16 kHz mono 16-bit with a non-empty data chunk.
func AssertValidWAV(tb testing.TB, data []byte) {
	tb.Helper()

	f, err := parseWAV(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if f.AudioFormat != 1 {
		tb.Fatalf("WAV: expected PCM format (1), got %d", f.AudioFormat)
	}
	if f.Channels != 1 {
		tb.Fatalf("WAV: expected mono (1 channel), got %d", f.Channels)
	}
	if f.SampleRate != edit.SampleRate {
		tb.Fatalf("WAV: expected sample rate %d, got %d", edit.SampleRate, f.SampleRate)
	}
	if f.BitDepth != 16 {
		tb.Fatalf("WAV: expected 16-bit depth, got %d", f.BitDepth)
	}
	if f.DataBytes < 2 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}
}

// AssertWAVDurationApprox asserts the audio duration falls within
// [minSec, maxSec], assuming the pipeline's 16 kHz mono 16-bit format.
func AssertWAVDurationApprox(tb testing.TB, data []byte, minSec, maxSec float64) {
	tb.Helper()

	f, err := parseWAV(data)
	if err != nil {
		tb.Fatalf("WAV duration check: %v", err)
	}

	durationSec := float64(f.DataBytes/2) / float64(edit.SampleRate)
	if durationSec < minSec || durationSec > maxSec {
		tb.Fatalf("WAV duration %.3fs out of expected range [%.3fs, %.3fs]", durationSec, minSec, maxSec)
	}
}

// dataChunkSize walks the chunk list for the "data" sub-chunk. Chunks pad to
// even byte boundaries.
func dataChunkSize(data []byte) (uint32, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found")
}
