package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kokoavailable/wavemu/sv"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTopic   = "wavemu"
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	retryInterval  = 5 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

type Options struct {
	Broker   string // host:port
	ClientID string
	Topic    string // prefix, status goes to <topic>/<id>/status

	// ConnectWait bounds how long Connect blocks; retries go on afterwards.
	ConnectWait   time.Duration
	RetryInterval time.Duration
}

// Reporter 는 세션 상태를 브로커로 보낸다. 메시지는 retained 라서
// 나중에 구독한 쪽도 마지막 상태를 바로 받는다.
type Reporter struct {
	client    paho.Client
	topic     string
	wait      time.Duration
	retry     time.Duration
	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

func NewReporter(opts Options) *Reporter {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = connectTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = retryInterval
	}
	r := &Reporter{topic: opts.Topic, wait: opts.ConnectWait, retry: opts.RetryInterval}

	co := paho.NewClientOptions()
	co.AddBroker("tcp://" + opts.Broker)
	co.SetClientID(opts.ClientID)
	// 첫 연결이 실패해도 백그라운드에서 계속 시도한다.
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(opts.RetryInterval)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.SetConnectTimeout(connectTimeout)
	co.OnConnect = func(paho.Client) {
		r.connected.Store(true)
		log.Infof("mqtt: connected to %s", opts.Broker)
	}
	co.OnConnectionLost = func(_ paho.Client, err error) {
		r.connected.Store(false)
		log.Warningf("mqtt: connection lost, reconnecting: %v", err)
	}
	r.client = paho.NewClient(co)
	return r
}

// Connect starts connecting and waits up to ConnectWait for the first
// session. On timeout the client keeps retrying and Publish starts working
// once OnConnect fires.
func (r *Reporter) Connect() error {
	token := r.client.Connect()
	if !token.WaitTimeout(r.wait) {
		return fmt.Errorf("mqtt connection timeout, retrying every %v", r.retry)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	r.connected.Store(true)
	return nil
}

func (r *Reporter) Connected() bool {
	return r.connected.Load()
}

func (r *Reporter) Topic(id string) string {
	return fmt.Sprintf("%s/%s/status", r.topic, id)
}

func (r *Reporter) Publish(st sv.Status) error {
	if !r.connected.Load() {
		r.errors.Add(1)
		return ErrNotConnected
	}
	payload, err := json.Marshal(st)
	if err != nil {
		r.errors.Add(1)
		return err
	}
	token := r.client.Publish(r.Topic(st.ID), 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		r.errors.Add(1)
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		r.errors.Add(1)
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	r.published.Add(1)
	return nil
}

func (r *Reporter) Stats() (published, failed uint64) {
	return r.published.Load(), r.errors.Load()
}

func (r *Reporter) Close() error {
	if r.client.IsConnected() {
		r.client.Disconnect(250)
	}
	r.connected.Store(false)
	return nil
}
