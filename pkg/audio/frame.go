// Package audio provides the PCM frame type shared by the voice pipeline and
// a bounded frame queue with drop-oldest semantics for provider back-pressure.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FrameDuration is the fixed wall-clock span of one Frame.
const FrameDuration = 10 * time.Millisecond

// Frame represents exactly 10 ms of 16-bit little-endian PCM audio.
// len(Data) == SamplesPerChannel * NumChannels * 2.
//
// A zero Timestamp means "live"; otherwise it is the offset from the start of
// the stream that produced the frame.
type Frame struct {
	Data              []byte
	SampleRate        int // e.g. 48000 or 16000
	SamplesPerChannel int // SampleRate / 100
	NumChannels       int // 1 or 2
	Timestamp         time.Duration
}

// NewFrame validates data against the 10 ms contract and wraps it in a Frame.
func NewFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (Frame, error) {
	samplesPerChannel := sampleRate / 100
	expected := samplesPerChannel * numChannels * 2
	if len(data) != expected {
		return Frame{}, fmt.Errorf("audio: frame length mismatch: got %d bytes, want %d for %dHz %dch 10ms",
			len(data), expected, sampleRate, numChannels)
	}
	return Frame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// SilentFrame returns a zeroed mono frame at the given sample rate.
func SilentFrame(sampleRate int, timestamp time.Duration) Frame {
	samples := sampleRate / 100
	return Frame{
		Data:              make([]byte, samples*2),
		SampleRate:        sampleRate,
		SamplesPerChannel: samples,
		NumChannels:       1,
		Timestamp:         timestamp,
	}
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	c := f
	c.Data = data
	return c
}

// Duration returns the span of audio the frame carries (always 10 ms).
func (f Frame) Duration() time.Duration {
	return FrameDuration
}

// Samples decodes the frame payload into int16 samples, channels interleaved.
func (f Frame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// FromSamples encodes interleaved int16 samples into a frame payload.
func FromSamples(samples []int16, sampleRate, numChannels int, timestamp time.Duration) (Frame, error) {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return NewFrame(data, sampleRate, numChannels, timestamp)
}

// DownmixResample converts interleaved PCM to mono at dstRate. Only integer
// decimation ratios are supported (e.g. 48000 -> 16000); samples within each
// ratio window are averaged across channels and time.
func DownmixResample(samples []int16, srcRate, dstRate, numChannels int) ([]int16, error) {
	if numChannels < 1 {
		return nil, fmt.Errorf("audio: invalid channel count %d", numChannels)
	}
	if srcRate%dstRate != 0 {
		return nil, fmt.Errorf("audio: unsupported resample %d -> %d", srcRate, dstRate)
	}
	ratio := srcRate / dstRate
	frames := len(samples) / numChannels
	out := make([]int16, 0, frames/ratio)
	for i := 0; i+ratio*numChannels <= len(samples); i += ratio * numChannels {
		var sum int
		for j := 0; j < ratio*numChannels; j++ {
			sum += int(samples[i+j])
		}
		out = append(out, int16(sum/(ratio*numChannels)))
	}
	return out, nil
}

// UpsampleMono converts mono PCM from srcRate to dstRate by sample repetition.
// Only integer multiplication ratios are supported (e.g. 16000 -> 48000).
func UpsampleMono(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if dstRate%srcRate != 0 {
		return nil, fmt.Errorf("audio: unsupported upsample %d -> %d", srcRate, dstRate)
	}
	ratio := dstRate / srcRate
	out := make([]int16, 0, len(samples)*ratio)
	for _, s := range samples {
		for j := 0; j < ratio; j++ {
			out = append(out, s)
		}
	}
	return out, nil
}
