package pcm

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/kokoavailable/wavemu/sv"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

func interleaved(frames, channels int) []int16 {
	out := make([]int16, 0, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out = append(out, int16(i*10+c))
		}
	}
	return out
}

func TestNextTransposesAndStopsOnPartialBlock(t *testing.T) {
	src := FromSamples("mem", 12800, 2, interleaved(10, 2))
	defer src.Close()

	for k := 0; k < 2; k++ {
		block, err := src.Next(4)
		if err != nil {
			t.Fatalf("block %d: %v", k, err)
		}
		if block.Channels() != 2 || block.Len() != 4 {
			t.Fatalf("block %d: unexpected shape %dx%d", k, block.Channels(), block.Len())
		}
		for i := 0; i < 4; i++ {
			frame := k*4 + i
			if block[0][i] != int16(frame*10) || block[1][i] != int16(frame*10+1) {
				t.Fatalf("block %d sample %d: got %d,%d", k, i, block[0][i], block[1][i])
			}
		}
	}

	// two frames remain, fewer than n: end of stream, no padding
	if _, err := src.Next(4); !errors.Is(err, sv.ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
	if _, err := src.Next(4); !errors.Is(err, sv.ErrEndOfStream) {
		t.Fatalf("expected source to stay exhausted, got %v", err)
	}
}

func TestLengthComputedAtOpen(t *testing.T) {
	src := FromSamples("mem", 100, 2, interleaved(250, 2))
	if src.Length() != 2.5 {
		t.Fatalf("expected 2.5s, got %v", src.Length())
	}
	if _, err := src.Next(100); err != nil {
		t.Fatal(err)
	}
	if src.Length() != 2.5 {
		t.Fatalf("length must not change while reading, got %v", src.Length())
	}
}

func TestOpenUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.txt")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	var de *sv.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported cause, got %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.wav"))
	var de *sv.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist cause, got %v", err)
	}
}

func TestOpenCorruptWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.wav")
	if err := os.WriteFile(path, []byte("RIFFjunkjunkjunk"), 0o644); err != nil {
		t.Fatal(err)
	}
	var de *sv.DecodeError
	if _, err := Open(path); !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.wav")
	samples := interleaved(300, 2)
	if err := WriteWAV(path, 12800, 2, samples); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.SampleRate() != 12800 || src.ChannelCount() != 2 {
		t.Fatalf("unexpected format %d Hz x%d", src.SampleRate(), src.ChannelCount())
	}
	if math.Abs(src.Length()-300.0/12800) > 1e-9 {
		t.Fatalf("unexpected length %v", src.Length())
	}
	if src.Title() != "signal" {
		t.Fatalf("expected filename title, got %q", src.Title())
	}

	blocks := 0
	for {
		block, err := src.Next(128)
		if errors.Is(err, sv.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for i := 0; i < 128; i++ {
			frame := blocks*128 + i
			if block[0][i] != samples[frame*2] || block[1][i] != samples[frame*2+1] {
				t.Fatalf("block %d sample %d mismatch", blocks, i)
			}
		}
		blocks++
	}
	// 300 frames hold two full 128-sample blocks
	if blocks != 2 {
		t.Fatalf("expected 2 blocks, got %d", blocks)
	}
}

// writeFLAC stores interleaved 16-bit stereo samples as verbatim FLAC frames
// of blockSize samples each.
func writeFLAC(t *testing.T, path string, rate int, samples []int16, blockSize int) {
	t.Helper()
	const channels = 2
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(blockSize),
		BlockSizeMax:  uint16(blockSize),
		SampleRate:    uint32(rate),
		NChannels:     channels,
		BitsPerSample: 16,
	}
	enc, err := flac.NewEncoder(f, info)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	frames := len(samples) / channels
	for off := 0; off < frames; off += blockSize {
		size := blockSize
		if off+size > frames {
			size = frames - off
		}
		fr := &frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: true,
				BlockSize:         uint16(size),
				SampleRate:        uint32(rate),
				Channels:          frame.ChannelsLR,
				BitsPerSample:     16,
			},
			Subframes: make([]*frame.Subframe, channels),
		}
		for c := 0; c < channels; c++ {
			data := make([]int32, size)
			for i := range data {
				data[i] = int32(samples[(off+i)*channels+c])
			}
			fr.Subframes[c] = &frame.Subframe{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   data,
				NSamples:  size,
			}
		}
		if err := enc.WriteFrame(fr); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("closing encoder: %v", err)
	}
}

func TestFLACRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.flac")
	samples := interleaved(300, 2)
	// FLAC 프레임 경계(100)와 블록 경계(128)가 어긋나도 샘플 순서는 그대로여야 한다
	writeFLAC(t, path, 12800, samples, 100)

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.SampleRate() != 12800 || src.ChannelCount() != 2 {
		t.Fatalf("unexpected format %d Hz x%d", src.SampleRate(), src.ChannelCount())
	}
	if math.Abs(src.Length()-300.0/12800) > 1e-9 {
		t.Fatalf("unexpected length %v", src.Length())
	}

	blocks := 0
	for {
		block, err := src.Next(128)
		if errors.Is(err, sv.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for i := 0; i < 128; i++ {
			idx := blocks*128 + i
			if block[0][i] != samples[idx*2] || block[1][i] != samples[idx*2+1] {
				t.Fatalf("block %d sample %d: got %d,%d", blocks, i, block[0][i], block[1][i])
			}
		}
		blocks++
	}
	if blocks != 2 {
		t.Fatalf("expected 2 blocks, got %d", blocks)
	}
}

func TestWaveformThreePhase(t *testing.T) {
	w := Waveform{SampleRate: 12800, Channels: 3, Seconds: 0.02, Frequency: 50, Amplitude: 0.25, ADCRange: sv.DefaultADCRange}
	s := w.Samples()
	if len(s) != 256*3 {
		t.Fatalf("expected %d samples, got %d", 256*3, len(s))
	}
	if s[0] != 0 {
		t.Fatalf("phase A must start at zero, got %d", s[0])
	}
	// quarter period of 50 Hz at 12800 Hz is sample 64: phase A peaks
	peak := int16(math.Round(0.25 * float64(sv.DefaultADCRange)))
	if got := s[64*3]; got != peak {
		t.Fatalf("expected peak %d, got %d", peak, got)
	}
	if s[1] >= 0 || s[2] <= 0 {
		t.Fatalf("phases B and C must lag by 120 degrees, got %d %d", s[1], s[2])
	}
}

func TestIsSupportedExt(t *testing.T) {
	for _, ext := range []string{".wav", ".FLAC", ".ogg", ".mp3"} {
		if !IsSupportedExt(ext) {
			t.Fatalf("expected %s to be supported", ext)
		}
	}
	if IsSupportedExt(".aac") {
		t.Fatal(".aac is not supported")
	}
}
