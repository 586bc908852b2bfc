package audio

import (
	"fmt"
	"io"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAV encodes float32 PCM samples as a WAV byte slice
// using 16000 Hz, mono, 16-bit PCM format.
func EncodeWAV(samples []float32) ([]byte, error) {
	// The encoder needs an io.WriteSeeker so it can patch RIFF chunk
	// sizes on Close.
	b := &wavBuffer{}

	enc := wav.NewEncoder(b, ExpectedSampleRate, ExpectedBitDepth, ExpectedChannels, 1) // 1 = PCM

	pcmBuf := &goaudio.Float32Buffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: ExpectedSampleRate, NumChannels: ExpectedChannels},
		SourceBitDepth: ExpectedBitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return b.data, nil
}

// wavBuffer is an in-memory io.WriteSeeker backed by a byte slice.
type wavBuffer struct {
	data []byte
	pos  int
}

func (b *wavBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *wavBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("seek to negative position %d", pos)
	}
	b.pos = int(pos)
	return pos, nil
}
