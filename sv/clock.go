package sv

import (
	"context"
	"time"
)

// Clock 는 페이서가 사용하는 벽시계이다. 테스트에서는 가짜 시계로 교체한다.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// SampleSource yields fixed-size sample blocks until ErrEndOfStream.
type SampleSource interface {
	Next(n int) (SampleBlock, error)
	ChannelCount() int
	SampleRate() int
	Length() float64
	Close() error
}

// FrameSender transmits one encoded frame to every destination.
type FrameSender interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// StatusReporter receives status snapshots on state changes and once per second.
type StatusReporter interface {
	Publish(st Status) error
}
