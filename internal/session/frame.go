package session

import (
	"time"

	"github.com/voximind/earshot/pkg/audio"
)

// Frame is one fixed-duration chunk of mono PCM, the unit of flow through the
// pipeline. Frames are immutable after construction; sequence numbers are
// assigned by the handler and increase monotonically per session.
type Frame struct {
	Samples []float32
	Seq     uint64
	Arrived time.Time
}

// DecodeFrame converts one binary wire message into a Frame. The ingest
// contract is little-endian float32 PCM; seq is the handler-assigned
// sequence number.
func DecodeFrame(data []byte, seq uint64) (Frame, error) {
	samples, err := audio.DecodeFloat32LE(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Samples: samples, Seq: seq, Arrived: time.Now()}, nil
}
