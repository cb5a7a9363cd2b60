package sv

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	DefaultFs       = 12800
	DefaultInterval = 10 * time.Millisecond
	DefaultChannels = 2
	DefaultBits     = 16
	DefaultADCRange = 1<<15 - 1

	// 샘플 하나를 와이어에 싣는 바이트 수. 16비트 부호 있는 정수.
	BytesPerSample = 2
)

// Field names of the SV frame record. They double as the XML element names
// of the OpenPMU template.
const (
	FieldFrame    = "Frame"
	FieldTime     = "Time"
	FieldDate     = "Date"
	FieldFs       = "Fs"
	FieldN        = "n"
	FieldChannels = "Channels"
	FieldBits     = "bits"
	FieldPayload  = "Payload"

	ChannelPrefix = "Channel_"
)

// StreamConfig 는 스트림 생성 시점에 고정되는 설정이다. 생성 후에는 바뀌지 않는다.
// Fs 는 샘플링 주파수(Hz), Interval 은 프레임 하나의 길이이다.
// 프레임당 샘플 수 n = Fs * Interval 은 반드시 양의 정수여야 한다.
type StreamConfig struct {
	Fs       int
	Interval time.Duration
	Channels int
	Bits     int
	ADCRange int
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Fs:       DefaultFs,
		Interval: DefaultInterval,
		Channels: DefaultChannels,
		Bits:     DefaultBits,
		ADCRange: DefaultADCRange,
	}
}

// NewStreamConfig validates the derived block size and channel count.
func NewStreamConfig(fs int, interval time.Duration, channels int) (StreamConfig, error) {
	c := DefaultStreamConfig()
	c.Fs = fs
	c.Interval = interval
	c.Channels = channels
	if err := c.Validate(); err != nil {
		return StreamConfig{}, err
	}
	return c, nil
}

func (c StreamConfig) Validate() error {
	if c.Channels < 1 {
		return fmt.Errorf("%w: %d", ErrChannels, c.Channels)
	}
	if c.Fs <= 0 || c.Interval <= 0 {
		return fmt.Errorf("%w: fs=%d interval=%v", ErrNonIntegralBlock, c.Fs, c.Interval)
	}
	// Fs * interval(ns) 가 1초(ns)로 나누어 떨어져야 n 이 정수가 된다.
	prod := int64(c.Fs) * int64(c.Interval)
	if prod%int64(time.Second) != 0 || prod/int64(time.Second) == 0 {
		return fmt.Errorf("%w: fs=%d interval=%v", ErrNonIntegralBlock, c.Fs, c.Interval)
	}
	return nil
}

// N returns the number of samples per channel in one frame.
func (c StreamConfig) N() int {
	return int(int64(c.Fs) * int64(c.Interval) / int64(time.Second))
}

// FramesPerSecond is round(1/interval), the point at which the frame counter wraps.
func (c StreamConfig) FramesPerSecond() int {
	return int(math.Round(float64(time.Second) / float64(c.Interval)))
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("<fs: %d, interval: %v, n: %d, channels: %d, bits: %d>",
		c.Fs, c.Interval, c.N(), c.Channels, c.Bits)
}

// SampleBlock holds one frame worth of samples, indexed [channel][sample].
type SampleBlock [][]int16

func (b SampleBlock) Channels() int {
	return len(b)
}

// Len is the number of samples per channel.
func (b SampleBlock) Len() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// PutBytes writes channel ch as big-endian 16-bit samples into dst, which must
// hold at least Len()*BytesPerSample bytes, and returns the written slice.
func (b SampleBlock) PutBytes(ch int, dst []byte) []byte {
	samples := b[ch]
	dst = dst[:len(samples)*BytesPerSample]
	for i, s := range samples {
		binary.BigEndian.PutUint16(dst[i*BytesPerSample:], uint16(s))
	}
	return dst
}

// Bytes renders channel ch as a freshly allocated big-endian buffer.
func (b SampleBlock) Bytes(ch int) []byte {
	return b.PutBytes(ch, make([]byte, b.Len()*BytesPerSample))
}

// Frame 는 매 주기마다 만들어지고 바로 소비되는 전송 단위이다.
// Stamp 는 시계를 다시 읽어 만든 값이 아니라, 초 경계 + Seq*interval 로 계산된 값이다.
type Frame struct {
	Seq      int
	Stamp    time.Time
	Fs       int
	N        int
	Channels int
	Bits     int
	Payloads [][]byte // big-endian 16-bit samples, one buffer per channel
}

// Field resolves a top-level field of the frame record.
func (f *Frame) Field(name string) (interface{}, bool) {
	switch name {
	case FieldFrame:
		return f.Seq, true
	case FieldTime, FieldDate:
		if f.Stamp.IsZero() {
			return nil, false
		}
		return f.Stamp, true
	case FieldFs:
		return f.Fs, true
	case FieldN:
		return f.N, true
	case FieldChannels:
		return f.Channels, true
	case FieldBits:
		return f.Bits, true
	}
	return nil, false
}

// HasChannel reports whether the record carries a Channel_<i> block.
func (f *Frame) HasChannel(i int) bool {
	return i >= 0 && i < len(f.Payloads) && i < f.Channels
}

// ChannelField resolves a sub-field of a Channel_<i> block.
func (f *Frame) ChannelField(i int, name string) (interface{}, bool) {
	if !f.HasChannel(i) {
		return nil, false
	}
	if name == FieldPayload {
		return f.Payloads[i], true
	}
	return nil, false
}

// ChannelName returns the element name of channel block i.
func ChannelName(i int) string {
	return ChannelPrefix + strconv.Itoa(i)
}

// ParseChannelName returns the channel index encoded in a Channel_<i> name.
func ParseChannelName(name string) (int, bool) {
	if len(name) <= len(ChannelPrefix) || name[:len(ChannelPrefix)] != ChannelPrefix {
		return 0, false
	}
	i, err := strconv.Atoi(name[len(ChannelPrefix):])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// State of the pacing engine.
type State int32

const (
	Idle State = iota
	Synchronizing
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Synchronizing:
		return "synchronizing"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Status is a point-in-time snapshot of a running stream.
type Status struct {
	ID               string    `json:"id"`
	File             string    `json:"file"`
	State            string    `json:"state"`
	LengthSeconds    float64   `json:"length_seconds"`
	FramesSent       uint64    `json:"frames_sent"`
	Overruns         uint64    `json:"overruns"`
	SchemaMismatches uint64    `json:"schema_mismatches"`
	SendErrors       uint64    `json:"send_errors"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s Status) String() string {
	return fmt.Sprintf("<id: %s, state: %s, frames: %d, overruns: %d, mismatches: %d, send errors: %d>",
		s.ID, s.State, s.FramesSent, s.Overruns, s.SchemaMismatches, s.SendErrors)
}
