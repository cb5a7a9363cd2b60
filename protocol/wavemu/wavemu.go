package wavemu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kokoavailable/wavemu/container/pcm"
	"github.com/kokoavailable/wavemu/container/svxml"
	"github.com/kokoavailable/wavemu/protocol/udp"
	"github.com/kokoavailable/wavemu/sv"
	"github.com/kokoavailable/wavemu/utils/metrics"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

var ErrChannelMismatch = errors.New("file has fewer channels than configured")

// 보고 대기열 길이. 가득 차면 새 스냅샷은 버린다.
const statusQueue = 8

type Config struct {
	File   string
	Stream sv.StreamConfig

	// Schema wins over SchemaPath; both empty means the built-in template.
	Schema     *svxml.Schema
	SchemaPath string

	Primary string
	Relay   string
	Forward []string

	MaxOverruns int
	MaxDatagram int
	TOS         int

	Clock    sv.Clock
	Metrics  *metrics.Metrics
	Reporter sv.StatusReporter
}

// DefaultConfig streams file to the default primary and relay destinations.
func DefaultConfig(file string) Config {
	return Config{
		File:    file,
		Stream:  sv.DefaultStreamConfig(),
		Primary: udp.DefaultPrimary,
		Relay:   udp.RelayAddr,
	}
}

// Destinations lists every unique send target, primary first.
func (c Config) Destinations() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range append([]string{c.Primary, c.Relay}, c.Forward...) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// WaveMU 는 파일 하나를 샘플값 스트림으로 재생하는 세션이다.
// 생성 시 파일, 스키마, 소켓을 모두 준비하고 Run 이 호출되면 페이서를 돌린다.
type WaveMU struct {
	id        string
	file      string
	length    float64
	src       sv.SampleSource
	tx        sv.FrameSender
	pacer     *Pacer
	reporter  sv.StatusReporter
	clock     sv.Clock
	closeOnce sync.Once

	// 상태 보고는 별도 고루틴에서 한다. 페이서 주기를 막지 않는다.
	statusCh chan sv.Status
	pending  sync.WaitGroup
	done     chan struct{}

	mu        sync.Mutex
	startedAt time.Time
}

// New prepares a session: schema, then sample file, then channel check, then
// the transmitter. Any failure releases what was already opened.
func New(cfg Config) (*WaveMU, error) {
	schema, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}
	src, err := pcm.Open(cfg.File)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if src.ChannelCount() < cfg.Stream.Channels {
		src.Close()
		return nil, fmt.Errorf("%w: %s has %d, configured %d", ErrChannelMismatch, cfg.File, src.ChannelCount(), cfg.Stream.Channels)
	}
	tx, err := udp.NewTransmitter(cfg.Destinations(), udp.Options{
		MaxDatagram: cfg.MaxDatagram,
		TOS:         cfg.TOS,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		src.Close()
		return nil, err
	}
	w, err := NewWithParts(cfg, schema, src, tx)
	if err != nil {
		src.Close()
		tx.Close()
		return nil, err
	}
	return w, nil
}

// Open is the short form of New with defaults for everything but the file,
// channel count and primary destination.
func Open(file string, channels int, ip string, port int) (*WaveMU, error) {
	cfg := DefaultConfig(file)
	cfg.Stream.Channels = channels
	cfg.Primary = fmt.Sprintf("%s:%d", ip, port)
	return New(cfg)
}

// NewWithParts builds a session around an already opened source and sender.
// The session owns both and closes them in Close.
func NewWithParts(cfg Config, schema *svxml.Schema, src sv.SampleSource, tx sv.FrameSender) (*WaveMU, error) {
	if err := cfg.Stream.Validate(); err != nil {
		return nil, err
	}
	if schema == nil {
		schema = svxml.DefaultSchema()
	}
	if src.ChannelCount() < cfg.Stream.Channels {
		return nil, fmt.Errorf("%w: source has %d, configured %d", ErrChannelMismatch, src.ChannelCount(), cfg.Stream.Channels)
	}
	if src.SampleRate() != cfg.Stream.Fs {
		// 리샘플링은 하지 않는다. 설정된 Fs 로 그대로 보낸다.
		log.Warningf("sample rate of %s is %d Hz, streaming as %d Hz", cfg.File, src.SampleRate(), cfg.Stream.Fs)
	}
	if n := schema.ChannelCount(); n < cfg.Stream.Channels {
		log.Warningf("schema %s declares %d channels, %d configured; extra channels are dropped", schema.Root, n, cfg.Stream.Channels)
	}
	if cfg.Clock == nil {
		cfg.Clock = sv.SystemClock
	}

	w := &WaveMU{
		id:       uuid.NewV4().String(),
		file:     cfg.File,
		length:   src.Length(),
		src:      src,
		tx:       tx,
		reporter: cfg.Reporter,
		clock:    cfg.Clock,
	}
	if w.reporter != nil {
		w.statusCh = make(chan sv.Status, statusQueue)
		w.done = make(chan struct{})
		go w.reportLoop()
	}
	w.pacer = NewPacer(cfg.Stream, schema, src, tx, PacerOptions{
		Clock:       cfg.Clock,
		Metrics:     cfg.Metrics,
		MaxOverruns: cfg.MaxOverruns,
		OnState:     func(sv.State) { w.publish(true) },
		OnSecond:    func() { w.publish(false) },
	})
	log.Infof("Length of file: %.3f seconds", w.length)
	return w, nil
}

// Reporters fans a status snapshot out to every reporter. All of them are
// tried; their errors are joined.
type Reporters []sv.StatusReporter

func (rs Reporters) Publish(st sv.Status) error {
	var errs []error
	for _, r := range rs {
		if err := r.Publish(st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadSchema(cfg Config) (*svxml.Schema, error) {
	if cfg.Schema != nil {
		return cfg.Schema, nil
	}
	if cfg.SchemaPath == "" {
		return svxml.DefaultSchema(), nil
	}
	return svxml.LoadSchema(cfg.SchemaPath)
}

func (w *WaveMU) ID() string {
	return w.id
}

// Run blocks until the stream is stopped, cancelled or exhausted.
func (w *WaveMU) Run(ctx context.Context) error {
	w.mu.Lock()
	w.startedAt = w.clock.Now()
	w.mu.Unlock()

	log.Infof("wavemu %s: streaming %s", w.id, w.file)
	err := w.pacer.Run(ctx)
	// 마지막 stopped 상태까지 보고가 끝난 뒤에 반환한다.
	w.pending.Wait()
	if err != nil {
		log.Errorf("wavemu %s: %v", w.id, err)
		return err
	}
	log.Infof("wavemu %s: finished, %d frames sent", w.id, w.pacer.counters().frames)
	return nil
}

// Stop is safe to call before Run, during Run and more than once.
func (w *WaveMU) Stop() {
	w.pacer.Stop()
}

func (w *WaveMU) State() sv.State {
	return w.pacer.State()
}

func (w *WaveMU) Status() sv.Status {
	c := w.pacer.counters()
	w.mu.Lock()
	started := w.startedAt
	w.mu.Unlock()
	return sv.Status{
		ID:               w.id,
		File:             w.file,
		State:            w.State().String(),
		LengthSeconds:    w.length,
		FramesSent:       c.frames,
		Overruns:         c.overruns,
		SchemaMismatches: c.mismatches,
		SendErrors:       c.sendErrors,
		StartedAt:        started,
		UpdatedAt:        w.clock.Now(),
	}
}

// publish queues a snapshot for the reporter without waiting for delivery.
// Periodic snapshots are dropped when the queue is full; state changes wait
// for a free slot. A reporter that falls behind loses snapshots, never frames.
func (w *WaveMU) publish(stateChange bool) {
	if w.statusCh == nil {
		return
	}
	st := w.Status()
	w.pending.Add(1)
	if stateChange {
		w.statusCh <- st
		return
	}
	select {
	case w.statusCh <- st:
	default:
		w.pending.Done()
		log.Debugf("wavemu %s: status reporter busy, snapshot dropped", w.id)
	}
}

func (w *WaveMU) reportLoop() {
	for {
		select {
		case st := <-w.statusCh:
			if err := w.reporter.Publish(st); err != nil {
				log.Debugf("wavemu %s: publish status: %v", w.id, err)
			}
			w.pending.Done()
		case <-w.done:
			return
		}
	}
}

// Close releases the sample file and the socket. It does not stop a running
// stream; call Stop and wait for Run first.
func (w *WaveMU) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.done != nil {
			close(w.done)
		}
		err = errors.Join(w.src.Close(), w.tx.Close())
	})
	return err
}
