package bench

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WAVDuration returns the playback duration of a PCM WAV file, computed from
// its RIFF header.
func WAVDuration(wav []byte) (time.Duration, error) {
	if len(wav) < 44 {
		return 0, fmt.Errorf("wav too short (%d bytes)", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, errors.New("not a RIFF/WAVE file")
	}

	fmtOff, fmtSize, err := findChunk(wav, "fmt ")
	if err != nil {
		return 0, err
	}
	if fmtSize < 16 || fmtOff+16 > len(wav) {
		return 0, errors.New("fmt chunk too short")
	}
	sampleRate := int64(binary.LittleEndian.Uint32(wav[fmtOff+4 : fmtOff+8]))
	blockAlign := int64(binary.LittleEndian.Uint16(wav[fmtOff+12 : fmtOff+14]))
	if sampleRate == 0 || blockAlign == 0 {
		return 0, fmt.Errorf("invalid fmt chunk: sampleRate=%d blockAlign=%d", sampleRate, blockAlign)
	}

	_, dataSize, err := findChunk(wav, "data")
	if err != nil {
		return 0, err
	}

	frames := int64(dataSize) / blockAlign
	return time.Duration(frames * int64(time.Second) / sampleRate), nil
}

// findChunk walks the RIFF chunk list for id and returns the offset and
// declared size of the chunk payload. Chunks pad to even byte boundaries.
func findChunk(wav []byte, id string) (offset, size int, err error) {
	pos := 12
	for pos+8 <= len(wav) {
		size = int(binary.LittleEndian.Uint32(wav[pos+4 : pos+8]))
		if string(wav[pos:pos+4]) == id {
			return pos + 8, size, nil
		}
		pos += 8 + size + size%2
	}
	return 0, 0, fmt.Errorf("%s chunk not found", strings.TrimSpace(id))
}
