package udp

import (
	"context"
	"fmt"
	"net"

	"github.com/kokoavailable/wavemu/sv"
	"github.com/kokoavailable/wavemu/utils/metrics"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPrimary = "127.0.0.1:48001"
	// 로컬 릴레이는 고정 주소이다. 모든 프레임이 주 목적지와 동일하게 복사된다.
	RelayAddr = "127.0.0.1:48005"

	// largest UDP payload over IPv4
	MaxDatagram = 65507
)

type Destination struct {
	Name string
	Addr *net.UDPAddr
}

type Options struct {
	MaxDatagram int
	TOS         int
	Metrics     *metrics.Metrics
}

// Transmitter 는 인코딩된 프레임 하나를 모든 목적지로 보낸다.
// 비연결형 데이터그램이라 응답, 재전송, 분할 처리는 없다.
type Transmitter struct {
	conn  *net.UDPConn
	dests []Destination
	max   int
	met   *metrics.Metrics
	write func(b []byte, addr *net.UDPAddr) (int, error)
}

// NewTransmitter resolves every destination up front and opens one socket
// shared by all of them.
func NewTransmitter(addrs []string, opts Options) (*Transmitter, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no destinations")
	}
	dests := make([]Destination, 0, len(addrs))
	for _, a := range addrs {
		ua, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return nil, fmt.Errorf("resolve destination %q: %w", a, err)
		}
		dests = append(dests, Destination{Name: a, Addr: ua})
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	if opts.TOS > 0 {
		if err := ipv4.NewConn(conn).SetTOS(opts.TOS); err != nil {
			log.Warningf("udp: set TOS %#x: %v", opts.TOS, err)
		}
	}
	if opts.MaxDatagram <= 0 || opts.MaxDatagram > MaxDatagram {
		opts.MaxDatagram = MaxDatagram
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	return &Transmitter{
		conn:  conn,
		dests: dests,
		max:   opts.MaxDatagram,
		met:   opts.Metrics,
		write: conn.WriteToUDP,
	}, nil
}

func (t *Transmitter) Destinations() []Destination {
	return t.dests
}

// Send writes payload to every destination concurrently and returns once all
// writes finished. A failed destination is logged and counted; it neither
// blocks nor retries the others.
func (t *Transmitter) Send(ctx context.Context, payload []byte) error {
	if len(payload) > t.max {
		return fmt.Errorf("%w: %d > %d bytes", sv.ErrDatagramTooLarge, len(payload), t.max)
	}

	var g errgroup.Group
	for _, d := range t.dests {
		d := d
		g.Go(func() error {
			if _, err := t.write(payload, d.Addr); err != nil {
				log.Warningf("udp: send to %s: %v", d.Name, err)
				t.met.RecordSendError(ctx, d.Name)
				return fmt.Errorf("send to %s: %w", d.Name, err)
			}
			t.met.RecordSent(ctx, d.Name)
			return nil
		})
	}
	return g.Wait()
}

func (t *Transmitter) Close() error {
	return t.conn.Close()
}
