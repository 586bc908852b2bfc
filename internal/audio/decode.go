package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// Expected WAV format on both sides of the edit pipeline. The diffusion
// model operates on 16 kHz mono waveforms.
const (
	ExpectedSampleRate = 16000
	ExpectedChannels   = 1
	ExpectedBitDepth   = 16
)

// ErrFormatMismatch is returned when a decoded WAV does not match the expected format.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// DecodeWAV decodes WAV bytes and returns float32 PCM samples.
// It validates that the format is 16000 Hz, mono, 16-bit PCM.
func DecodeWAV(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	if err := checkFormat(dec); err != nil {
		return nil, err
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading PCM data: %w", err)
	}

	return buf.Data, nil
}

func checkFormat(dec *wav.Decoder) error {
	switch {
	case dec.SampleRate != ExpectedSampleRate:
		return fmt.Errorf("%w: sample rate %d, want %d", ErrFormatMismatch, dec.SampleRate, ExpectedSampleRate)
	case dec.NumChans != ExpectedChannels:
		return fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, ExpectedChannels)
	case dec.BitDepth != ExpectedBitDepth:
		return fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, ExpectedBitDepth)
	}

	return nil
}
