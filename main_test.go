package main

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/kokoavailable/wavemu/configure"
	"github.com/kokoavailable/wavemu/container/pcm"
	"github.com/kokoavailable/wavemu/sv"
)

func TestGenerateScalesToADCRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "three_phase.wav")
	cfg := configure.ServerCfg{
		Fs:              12800,
		Interval:        10 * time.Millisecond,
		Channels:        3,
		Generate:        path,
		GenerateSeconds: 0.02,
		GenerateFreq:    50,
	}
	if err := generate(cfg); err != nil {
		t.Fatalf("generate: %v", err)
	}

	src, err := pcm.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if src.SampleRate() != 12800 || src.ChannelCount() != 3 {
		t.Fatalf("unexpected format %d Hz x%d", src.SampleRate(), src.ChannelCount())
	}

	peak := 0
	for {
		block, err := src.Next(128)
		if errors.Is(err, sv.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range block[0] {
			if a := int(math.Abs(float64(s))); a > peak {
				peak = a
			}
		}
	}
	// 진폭 0.5 는 ADC 범위의 절반
	want := int(math.Round(0.5 * float64(sv.DefaultStreamConfig().ADCRange)))
	if peak < want-1 || peak > want {
		t.Fatalf("expected peak near %d, got %d", want, peak)
	}
}

func TestGenerateRejectsNonIntegralBlock(t *testing.T) {
	cfg := configure.ServerCfg{
		Fs:       1000,
		Interval: 1500 * time.Microsecond,
		Channels: 3,
		Generate: filepath.Join(t.TempDir(), "x.wav"),
	}
	if err := generate(cfg); !errors.Is(err, sv.ErrNonIntegralBlock) {
		t.Fatalf("expected ErrNonIntegralBlock, got %v", err)
	}
}
