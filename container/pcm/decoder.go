package pcm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
)

// --- WAV decoder ---

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xfffe
)

type wavDecoder struct {
	dec      *wav.Decoder
	ibuf     *audio.IntBuffer
	rate     int
	chans    int
	bitDepth int
	frames   int64
}

func newWAVDecoder(f *os.File) (decoder, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: WAV audio format %d", ErrUnsupported, dec.WavAudioFormat)
	}
	// FwdToPCM positions the reader at the start of PCM data
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("reading WAV PCM data: %w", err)
	}

	chans := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit WAV", ErrUnsupported, bitDepth)
	}
	var frames int64
	if frameSize := int64(chans) * int64(bitDepth) / 8; frameSize > 0 {
		frames = dec.PCMLen() / frameSize
	}

	return &wavDecoder{
		dec: dec,
		ibuf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: chans, SampleRate: int(dec.SampleRate)},
			SourceBitDepth: bitDepth,
		},
		rate:     int(dec.SampleRate),
		chans:    chans,
		bitDepth: bitDepth,
		frames:   frames,
	}, nil
}

func (d *wavDecoder) read(dst []int16) (int, error) {
	if cap(d.ibuf.Data) < len(dst) {
		d.ibuf.Data = make([]int, len(dst))
	}
	d.ibuf.Data = d.ibuf.Data[:len(dst)]
	n, err := d.dec.PCMBuffer(d.ibuf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i, v := range d.ibuf.Data[:n] {
		switch d.bitDepth {
		case 8:
			// 8-bit WAV is unsigned
			v = (v - 128) << 8
		case 24:
			v >>= 8
		case 32:
			v >>= 16
		}
		dst[i] = clamp16(v)
	}
	return n, nil
}

func (d *wavDecoder) sampleRate() int    { return d.rate }
func (d *wavDecoder) channels() int      { return d.chans }
func (d *wavDecoder) totalFrames() int64 { return d.frames }

// --- FLAC decoder ---

type flacDecoder struct {
	stream  *flac.Stream
	pending []int16
	rate    int
	chans   int
	bps     int
	frames  int64
}

func newFLACDecoder(f *os.File) (decoder, error) {
	stream, err := flac.New(f)
	if err != nil {
		return nil, fmt.Errorf("decoding FLAC: %w", err)
	}
	info := stream.Info
	return &flacDecoder{
		stream: stream,
		rate:   int(info.SampleRate),
		chans:  int(info.NChannels),
		bps:    int(info.BitsPerSample),
		frames: int64(info.NSamples),
	}, nil
}

func (d *flacDecoder) read(dst []int16) (int, error) {
	// Drain buffered data first
	if len(d.pending) == 0 {
		frame, err := d.stream.ParseNext()
		if err != nil {
			return 0, err
		}
		nSamples := int(frame.Subframes[0].NSamples)
		raw := make([]int16, 0, nSamples*d.chans)
		for i := 0; i < nSamples; i++ {
			for ch := 0; ch < d.chans; ch++ {
				sample := int(frame.Subframes[ch].Samples[i])
				switch {
				case d.bps > 16:
					sample >>= (d.bps - 16)
				case d.bps < 16:
					sample <<= (16 - d.bps)
				}
				raw = append(raw, clamp16(sample))
			}
		}
		d.pending = raw
	}
	n := copy(dst, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *flacDecoder) sampleRate() int    { return d.rate }
func (d *flacDecoder) channels() int      { return d.chans }
func (d *flacDecoder) totalFrames() int64 { return d.frames }

// --- OGG Vorbis decoder ---

type oggDecoder struct {
	reader  *oggvorbis.Reader
	scratch []float32
}

func newOGGDecoder(f *os.File) (decoder, error) {
	reader, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decoding OGG: %w", err)
	}
	return &oggDecoder{reader: reader}, nil
}

func (d *oggDecoder) read(dst []int16) (int, error) {
	if cap(d.scratch) < len(dst) {
		d.scratch = make([]float32, len(dst))
	}
	samples := d.scratch[:len(dst)]
	n, err := d.reader.Read(samples)
	for i := 0; i < n; i++ {
		s := samples[i]
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		dst[i] = int16(s * 32767)
	}
	if n == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

func (d *oggDecoder) sampleRate() int    { return d.reader.SampleRate() }
func (d *oggDecoder) channels() int      { return d.reader.Channels() }
func (d *oggDecoder) totalFrames() int64 { return d.reader.Length() }

// --- MP3 decoder ---

// go-mp3 always produces 16-bit little-endian stereo.
const mp3Channels = 2

type mp3Decoder struct {
	dec     *mp3.Decoder
	scratch []byte
}

func newMP3Decoder(f *os.File) (decoder, error) {
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("decoding MP3: %w", err)
	}
	return &mp3Decoder{dec: dec}, nil
}

func (d *mp3Decoder) read(dst []int16) (int, error) {
	if cap(d.scratch) < len(dst)*2 {
		d.scratch = make([]byte, len(dst)*2)
	}
	raw := d.scratch[:len(dst)*2]
	n, err := io.ReadFull(d.dec, raw)
	for i := 0; i < n/2; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n / 2, err
}

func (d *mp3Decoder) sampleRate() int    { return d.dec.SampleRate() }
func (d *mp3Decoder) channels() int      { return mp3Channels }
func (d *mp3Decoder) totalFrames() int64 { return d.dec.Length() / (mp3Channels * 2) }
