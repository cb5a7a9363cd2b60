package pcm

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Waveform describes a synthetic multi-phase test signal, scaled the way the
// OpenPMU ADC scales its input: Amplitude 1.0 maps to ADCRange counts.
type Waveform struct {
	SampleRate int
	Channels   int
	Seconds    float64
	Frequency  float64 // Hz, e.g. 50 or 60
	Amplitude  float64 // fraction of ADCRange
	ADCRange   int
}

// Samples returns interleaved samples. Channel c lags channel 0 by c*120
// degrees, so three channels form a balanced three-phase set.
func (w Waveform) Samples() []int16 {
	frames := int(math.Round(w.Seconds * float64(w.SampleRate)))
	out := make([]int16, 0, frames*w.Channels)
	peak := w.Amplitude * float64(w.ADCRange)
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(w.SampleRate)
		for c := 0; c < w.Channels; c++ {
			phase := -2 * math.Pi * float64(c) / 3
			out = append(out, clamp16(int(math.Round(peak*math.Sin(2*math.Pi*w.Frequency*t+phase)))))
		}
	}
	return out
}

// WriteWAV stores interleaved 16-bit samples as a PCM WAV file.
func WriteWAV(path string, sampleRate, channels int, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, wavFormatPCM)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("writing WAV samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalising WAV header: %w", err)
	}
	return f.Close()
}

// memDecoder serves interleaved samples held in memory.
type memDecoder struct {
	samples []int16
	rate    int
	chans   int
}

func (d *memDecoder) read(dst []int16) (int, error) {
	if len(d.samples) == 0 {
		return 0, nil
	}
	n := copy(dst, d.samples)
	d.samples = d.samples[n:]
	return n, nil
}

func (d *memDecoder) sampleRate() int    { return d.rate }
func (d *memDecoder) channels() int      { return d.chans }
func (d *memDecoder) totalFrames() int64 {
	if d.chans == 0 {
		return 0
	}
	return int64(len(d.samples) / d.chans)
}

// FromSamples builds a Source over interleaved samples already in memory.
func FromSamples(name string, sampleRate, channels int, interleaved []int16) *Source {
	return newSource(name, &memDecoder{samples: interleaved, rate: sampleRate, chans: channels}, nil)
}
