package mqtt

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kokoavailable/wavemu/sv"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

func TestTopic(t *testing.T) {
	r := NewReporter(Options{Broker: "127.0.0.1:1883", ClientID: "wavemu-test"})
	if got := r.Topic("abc"); got != "wavemu/abc/status" {
		t.Fatalf("topic %q", got)
	}
	r = NewReporter(Options{Broker: "127.0.0.1:1883", Topic: "pmu/lab"})
	if got := r.Topic("abc"); got != "pmu/lab/abc/status" {
		t.Fatalf("topic %q", got)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	r := NewReporter(Options{Broker: "127.0.0.1:1883", ClientID: "wavemu-test"})
	if err := r.Publish(sv.Status{ID: "abc"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, errs := r.Stats(); errs != 1 {
		t.Fatalf("expected 1 error, got %d", errs)
	}
	r.Close()
}

func TestConnectRefused(t *testing.T) {
	// nothing listens on port 1
	r := NewReporter(Options{Broker: "127.0.0.1:1", ClientID: "wavemu-test", ConnectWait: 200 * time.Millisecond})
	defer r.Close()
	if err := r.Connect(); err == nil {
		t.Fatal("expected connection error")
	}
	if r.Connected() {
		t.Fatal("reporter must not report a connection")
	}
}

// serveConnack accepts one client, answers its CONNECT and hands the
// connection back so the test can keep it open.
func serveConnack(ln net.Listener) <-chan net.Conn {
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := packets.ReadPacket(conn); err != nil {
			conn.Close()
			return
		}
		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		ack.Write(conn)
		conns <- conn
	}()
	return conns
}

func TestConnectRetriesUntilBrokerIsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := NewReporter(Options{
		Broker:        addr,
		ClientID:      "wavemu-test",
		ConnectWait:   100 * time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
	})
	defer r.Close()
	if err := r.Connect(); err == nil {
		t.Fatal("broker is down, expected Connect to time out")
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s taken in the meantime: %v", addr, err)
	}
	defer ln.Close()
	conns := serveConnack(ln)
	defer func() {
		select {
		case c := <-conns:
			c.Close()
		default:
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !r.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("reporter never connected after the broker came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
