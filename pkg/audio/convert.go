// Package audio provides the small PCM helpers the ingest pipeline needs:
// decoding wire frames into sample slices, converting between float32 and
// int16 representations, and computing signal energy.
//
// The ingest contract is 16 kHz mono little-endian float32 PCM. Inference
// backends that expect int16 (e.g. FunASR) convert at the engine boundary.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeFloat32LE converts raw little-endian float32 PCM bytes into a sample
// slice. Returns an error if the byte count is not a multiple of four.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio: pcm byte count %d is not float32-aligned", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// EncodeFloat32LE is the inverse of [DecodeFloat32LE].
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Float32ToInt16LE converts normalised float32 samples ([-1, 1]) to
// little-endian int16 PCM bytes. Out-of-range samples are clipped.
func Float32ToInt16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// RMS returns the root-mean-square energy of the samples. Returns 0 for an
// empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
