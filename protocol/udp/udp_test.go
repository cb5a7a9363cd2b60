package udp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kokoavailable/wavemu/sv"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, MaxDatagram)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func TestSendReachesEveryDestination(t *testing.T) {
	primary, relay := listen(t), listen(t)
	tx, err := NewTransmitter([]string{primary.LocalAddr().String(), relay.LocalAddr().String()}, Options{})
	if err != nil {
		t.Fatalf("NewTransmitter: %v", err)
	}
	defer tx.Close()

	payload := []byte("<OpenPMU><Frame>0</Frame></OpenPMU>")
	if err := tx.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := receive(t, primary); !bytes.Equal(got, payload) {
		t.Fatalf("primary got %q", got)
	}
	if got := receive(t, relay); !bytes.Equal(got, payload) {
		t.Fatalf("relay got %q", got)
	}
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	dst := listen(t)
	tx, err := NewTransmitter([]string{dst.LocalAddr().String()}, Options{MaxDatagram: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	if err := tx.Send(context.Background(), make([]byte, 65)); !errors.Is(err, sv.ErrDatagramTooLarge) {
		t.Fatalf("expected ErrDatagramTooLarge, got %v", err)
	}
	if err := tx.Send(context.Background(), make([]byte, 64)); err != nil {
		t.Fatalf("frame at the limit must pass, got %v", err)
	}
}

func TestFailedDestinationDoesNotBlockOthers(t *testing.T) {
	bad, good := listen(t), listen(t)
	tx, err := NewTransmitter([]string{bad.LocalAddr().String(), good.LocalAddr().String()}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	refused := errors.New("connection refused")
	badAddr := bad.LocalAddr().(*net.UDPAddr)
	tx.write = func(b []byte, addr *net.UDPAddr) (int, error) {
		if addr.Port == badAddr.Port {
			return 0, refused
		}
		return tx.conn.WriteToUDP(b, addr)
	}

	payload := []byte("frame")
	if err := tx.Send(context.Background(), payload); !errors.Is(err, refused) {
		t.Fatalf("expected the failed destination to be reported, got %v", err)
	}
	if got := receive(t, good); !bytes.Equal(got, payload) {
		t.Fatalf("healthy destination got %q", got)
	}

	// 다음 프레임도 정상 목적지에는 그대로 나간다
	if err := tx.Send(context.Background(), payload); !errors.Is(err, refused) {
		t.Fatalf("second send: %v", err)
	}
	if got := receive(t, good); !bytes.Equal(got, payload) {
		t.Fatalf("healthy destination got %q on the second frame", got)
	}
}

func TestNewTransmitterRejectsBadAddress(t *testing.T) {
	if _, err := NewTransmitter([]string{"not-an-address"}, Options{}); err == nil {
		t.Fatal("expected resolve error")
	}
	if _, err := NewTransmitter(nil, Options{}); err == nil {
		t.Fatal("expected error for no destinations")
	}
}
