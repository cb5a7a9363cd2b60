package wavemu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kokoavailable/wavemu/container/svxml"
	"github.com/kokoavailable/wavemu/sv"
	"github.com/kokoavailable/wavemu/utils/metrics"
	"github.com/kokoavailable/wavemu/utils/pool"

	log "github.com/sirupsen/logrus"
)

// 초 경계를 기다리는 동안의 폴링 간격
const syncPoll = 100 * time.Microsecond

var ErrAlreadyStarted = errors.New("pacer already started")

// Pacer 는 프레임 주기를 만드는 루프이다.
// Idle -> Synchronizing -> Streaming -> Stopped 순으로만 진행한다.
// 정지 요청은 플래그로만 전달되고, 매 주기 시작 지점에서 한 번 확인한다. 주기 도중에 끊지 않는다.
type Pacer struct {
	cfg         sv.StreamConfig
	schema      *svxml.Schema
	src         sv.SampleSource
	tx          sv.FrameSender
	clock       sv.Clock
	met         *metrics.Metrics
	pool        *pool.Pool
	maxOverruns int

	onState  func(sv.State)
	onSecond func()

	state      atomic.Int32
	stop       atomic.Bool
	frames     atomic.Uint64
	overruns   atomic.Uint64
	mismatches atomic.Uint64
	sendErrors atomic.Uint64
}

type PacerOptions struct {
	Clock       sv.Clock
	Metrics     *metrics.Metrics
	MaxOverruns int // consecutive overruns before giving up, 0 never gives up
	OnState     func(sv.State)
	OnSecond    func()
}

func NewPacer(cfg sv.StreamConfig, schema *svxml.Schema, src sv.SampleSource, tx sv.FrameSender, opts PacerOptions) *Pacer {
	if opts.Clock == nil {
		opts.Clock = sv.SystemClock
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Pacer{
		cfg:         cfg,
		schema:      schema,
		src:         src,
		tx:          tx,
		clock:       opts.Clock,
		met:         opts.Metrics,
		pool:        pool.NewPool(),
		maxOverruns: opts.MaxOverruns,
		onState:     opts.OnState,
		onSecond:    opts.OnSecond,
	}
}

func (p *Pacer) State() sv.State {
	return sv.State(p.state.Load())
}

func (p *Pacer) setState(s sv.State) {
	p.state.Store(int32(s))
	log.Debugf("pacer: %s", s)
	if p.onState != nil {
		p.onState(s)
	}
}

// Stop asks the loop to finish at the next cycle boundary. It is safe to call
// from any goroutine, any number of times.
func (p *Pacer) Stop() {
	p.stop.Store(true)
}

func (p *Pacer) stopping(ctx context.Context) bool {
	return p.stop.Load() || ctx.Err() != nil
}

// Run synchronises to the next whole second and streams frames until Stop,
// ctx cancellation or the end of the sample source. All three are a normal
// finish and return nil.
func (p *Pacer) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(sv.Idle), int32(sv.Synchronizing)) {
		return ErrAlreadyStarted
	}
	p.setState(sv.Synchronizing)
	defer p.setState(sv.Stopped)

	base, ok := p.synchronize(ctx)
	if !ok {
		return nil
	}
	p.setState(sv.Streaming)
	log.Infof("pacer: streaming %v from %s", p.cfg, base.Format(time.RFC3339))

	n := p.cfg.N()
	fps := p.cfg.FramesPerSecond()
	frame := 0
	consecutive := 0

	for !p.stopping(ctx) {
		now := p.clock.Now()
		// 타임스탬프는 시계를 다시 읽지 않고 초 경계 + 프레임 번호 * 주기로 계산한다.
		stamp := base.Add(time.Duration(frame) * p.cfg.Interval)

		block, err := p.src.Next(n)
		if errors.Is(err, sv.ErrEndOfStream) {
			log.Infof("pacer: end of stream after %d frames", p.frames.Load())
			return nil
		}
		if err != nil {
			return err
		}

		if err := p.emit(ctx, p.assemble(frame, stamp, block)); err != nil {
			return err
		}

		frame++
		if frame == fps {
			frame = 0
			base = base.Add(time.Second)
			if p.onSecond != nil {
				p.onSecond()
			}
		}

		busy := p.clock.Now().Sub(now)
		residual := p.cfg.Interval - busy
		overrun := residual < 0
		p.met.RecordCycle(ctx, busy.Seconds(), overrun)
		if !overrun {
			consecutive = 0
			p.clock.Sleep(residual)
			continue
		}
		if overrun {
			// 주기를 넘긴 경우 쉬지 않고 바로 다음 주기로 넘어간다.
			p.overruns.Add(1)
			consecutive++
			log.Debugf("pacer: cycle overran by %v", -residual)
			if p.maxOverruns > 0 && consecutive >= p.maxOverruns {
				return fmt.Errorf("%w: %d consecutive cycles", sv.ErrSustainedOverrun, consecutive)
			}
		}
	}
	return nil
}

// synchronize waits until the wall clock leaves the second Run was called in
// and returns the start of the new second.
func (p *Pacer) synchronize(ctx context.Context) (time.Time, bool) {
	start := p.clock.Now().Unix()
	for {
		if p.stopping(ctx) {
			return time.Time{}, false
		}
		now := p.clock.Now()
		if now.Unix() != start {
			return now.Truncate(time.Second), true
		}
		p.clock.Sleep(syncPoll)
	}
}

func (p *Pacer) assemble(seq int, stamp time.Time, block sv.SampleBlock) *sv.Frame {
	f := &sv.Frame{
		Seq:      seq,
		Stamp:    stamp,
		Fs:       p.cfg.Fs,
		N:        p.cfg.N(),
		Channels: p.cfg.Channels,
		Bits:     p.cfg.Bits,
		Payloads: make([][]byte, p.cfg.Channels),
	}
	size := block.Len() * sv.BytesPerSample
	for c := range f.Payloads {
		f.Payloads[c] = block.PutBytes(c, p.pool.Get(size))
	}
	return f
}

// emit encodes and transmits one frame. Schema mismatches and per-destination
// send failures are logged and counted; only an oversized frame is fatal.
func (p *Pacer) emit(ctx context.Context, f *sv.Frame) error {
	doc, err := svxml.Encode(p.schema, f)
	if err != nil {
		ms := svxml.Mismatches(err)
		if doc == nil || len(ms) == 0 {
			return fmt.Errorf("encode frame %d: %w", f.Seq, err)
		}
		for _, m := range ms {
			log.Warningf("XML tag error: %v", m)
			p.met.RecordMismatch(ctx, m.Field)
			p.mismatches.Add(1)
		}
	}

	if err := p.tx.Send(ctx, doc); err != nil {
		if errors.Is(err, sv.ErrDatagramTooLarge) {
			return err
		}
		p.sendErrors.Add(1)
	}
	p.frames.Add(1)
	return nil
}

type counters struct {
	frames, overruns, mismatches, sendErrors uint64
}

func (p *Pacer) counters() counters {
	return counters{
		frames:     p.frames.Load(),
		overruns:   p.overruns.Load(),
		mismatches: p.mismatches.Load(),
		sendErrors: p.sendErrors.Load(),
	}
}
