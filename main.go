package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/kokoavailable/wavemu/configure"
	"github.com/kokoavailable/wavemu/container/pcm"
	"github.com/kokoavailable/wavemu/protocol/api"
	"github.com/kokoavailable/wavemu/protocol/mqtt"
	"github.com/kokoavailable/wavemu/protocol/wavemu"
	"github.com/kokoavailable/wavemu/sv"
	"github.com/kokoavailable/wavemu/utils/metrics"

	log "github.com/sirupsen/logrus"
)

var VERSION = "master"

func startAPI(w *wavemu.WaveMU, metricsHandler http.Handler, jwt configure.JWT) {
	apiAddr := configure.Config.GetString("api_addr")
	if apiAddr == "" {
		return
	}

	opListen, err := net.Listen("tcp", apiAddr)
	if err != nil {
		log.Fatal(err)
	}
	opServer := api.NewServer(w, configure.Statuses, api.Options{JWT: jwt, Metrics: metricsHandler})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("HTTP-API server panic: ", r)
			}
		}()
		log.Info("HTTP-API listen On ", apiAddr)
		opServer.Serve(opListen)
	}()
}

func generate(cfg configure.ServerCfg) error {
	stream, err := sv.NewStreamConfig(cfg.Fs, cfg.Interval, cfg.Channels)
	if err != nil {
		return err
	}
	wave := pcm.Waveform{
		SampleRate: stream.Fs,
		Channels:   stream.Channels,
		Seconds:    cfg.GenerateSeconds,
		Frequency:  cfg.GenerateFreq,
		Amplitude:  0.5,
		ADCRange:   stream.ADCRange,
	}
	if err := pcm.WriteWAV(cfg.Generate, cfg.Fs, cfg.Channels, wave.Samples()); err != nil {
		return err
	}
	log.Infof("wrote %.1f s of %d-phase %.0f Hz signal to %s", cfg.GenerateSeconds, cfg.Channels, cfg.GenerateFreq, cfg.Generate)
	return nil
}

func startMQTT(cfg configure.ServerCfg) *mqtt.Reporter {
	if cfg.MQTTBroker == "" {
		return nil
	}
	r := mqtt.NewReporter(mqtt.Options{
		Broker:   cfg.MQTTBroker,
		ClientID: fmt.Sprintf("wavemu-%d", os.Getpid()),
		Topic:    cfg.MQTTTopic,
	})
	// 브로커가 없어도 스트리밍은 계속한다. 재연결은 클라이언트가 한다.
	if err := r.Connect(); err != nil {
		log.Warning(err)
	}
	return r
}

func sessionConfig(cfg configure.ServerCfg, met *metrics.Metrics, reporter sv.StatusReporter) (wavemu.Config, error) {
	stream, err := sv.NewStreamConfig(cfg.Fs, cfg.Interval, cfg.Channels)
	if err != nil {
		return wavemu.Config{}, err
	}
	stream.Bits = cfg.Bits
	return wavemu.Config{
		File:        cfg.File,
		Stream:      stream,
		SchemaPath:  cfg.Schema,
		Primary:     net.JoinHostPort(cfg.IP, fmt.Sprint(cfg.Port)),
		Relay:       cfg.RelayAddr,
		Forward:     cfg.Forward,
		MaxOverruns: cfg.MaxOverruns,
		MaxDatagram: cfg.MaxDatagram,
		TOS:         cfg.TOS,
		Metrics:     met,
		Reporter:    reporter,
	}, nil
}

// 택스트 포매터 구조체 포인터를 전달해 로거의 포매터를 설정한다.
func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("wavemu panic: ", r)
			time.Sleep(1 * time.Second)
		}
	}()

	log.Infof(`
 __    __                 __  __ _   _
 \ \  / /_ ___   _____   |  \/  | | | |
  \ \/\/ / _' \ \ / / _ \| |\/| | | | |
   \_/\_/\__,_|\_V_/\___/|_|  |_|\___/
        version: %s
	`, VERSION)

	if err := configure.Load(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	cfg, err := configure.Current()
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Generate != "" {
		if err := generate(cfg); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := configure.Init(); err != nil {
		log.Fatal(err)
	}
	defer configure.Statuses.Close()

	metricsHandler, shutdown, err := metrics.InitProvider()
	if err != nil {
		log.Fatal(err)
	}
	defer shutdown(context.Background())

	reporters := wavemu.Reporters{configure.Statuses}
	if r := startMQTT(cfg); r != nil {
		defer r.Close()
		reporters = append(reporters, r)
	}

	sc, err := sessionConfig(cfg, metrics.Default(), reporters)
	if err != nil {
		log.Fatal(err)
	}
	w, err := wavemu.New(sc)
	if err != nil {
		log.Fatal(err)
	}
	defer w.Close()

	startAPI(w, metricsHandler, cfg.JWT)

	// Ctrl-C 는 정지 플래그만 세운다. 진행 중인 주기는 끝까지 보낸다.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("%s received, stopping", s)
		w.Stop()
	}()

	if err := w.Run(context.Background()); err != nil {
		log.Error(err)
		return
	}
	log.Info(w.Status())
}
