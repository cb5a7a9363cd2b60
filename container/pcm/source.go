package pcm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kokoavailable/wavemu/sv"

	"github.com/bogem/id3v2/v2"
	log "github.com/sirupsen/logrus"
)

var ErrUnsupported = errors.New("unsupported format")

// decoder 는 포맷별 디코더가 구현한다. read 는 채널이 인터리브된 16비트 샘플을 채운다.
type decoder interface {
	read(dst []int16) (int, error)
	sampleRate() int
	channels() int
	totalFrames() int64 // per-channel sample count, 0 when unknown
}

var exts = map[string]func(f *os.File) (decoder, error){
	".wav":  newWAVDecoder,
	".flac": newFLACDecoder,
	".ogg":  newOGGDecoder,
	".mp3":  newMP3Decoder,
}

// IsSupportedExt reports whether Open can decode files with this extension.
func IsSupportedExt(ext string) bool {
	_, ok := exts[strings.ToLower(ext)]
	return ok
}

// Source 는 오디오 파일을 n 샘플 단위의 블록으로 잘라 순서대로 내어주는 일회성 시퀀스이다.
// 되감기나 탐색은 지원하지 않는다. 남은 샘플이 n 보다 적으면 ErrEndOfStream 을 반환한다.
type Source struct {
	path   string
	title  string
	closer io.Closer
	dec    decoder
	length float64
	buf    []int16
	done   bool
}

// Open detects the format of path and positions the decoder at the first sample. Any failure
// is reported as a *sv.DecodeError.
func Open(path string) (*Source, error) {
	ext := strings.ToLower(filepath.Ext(path))
	newDec, ok := exts[ext]
	if !ok {
		return nil, &sv.DecodeError{Path: path, Err: fmt.Errorf("%w: %q", ErrUnsupported, ext)}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &sv.DecodeError{Path: path, Err: err}
	}
	dec, err := newDec(f)
	if err != nil {
		f.Close()
		return nil, &sv.DecodeError{Path: path, Err: err}
	}
	if dec.channels() < 1 || dec.sampleRate() < 1 {
		f.Close()
		return nil, &sv.DecodeError{Path: path, Err: fmt.Errorf("invalid stream: %d channels at %d Hz", dec.channels(), dec.sampleRate())}
	}

	s := newSource(path, dec, f)
	s.title = readTitle(path)
	log.Debugf("pcm: opened %s title=%q rate=%d channels=%d length=%.3fs",
		path, s.title, dec.sampleRate(), dec.channels(), s.length)
	return s, nil
}

func newSource(path string, dec decoder, closer io.Closer) *Source {
	s := &Source{
		path:   path,
		title:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		closer: closer,
		dec:    dec,
	}
	if total := dec.totalFrames(); total > 0 {
		s.length = float64(total) / float64(dec.sampleRate())
	}
	return s
}

// Next returns the next n samples of every channel, shaped [channel][sample].
func (s *Source) Next(n int) (sv.SampleBlock, error) {
	if s.done || n <= 0 {
		return nil, sv.ErrEndOfStream
	}
	ch := s.dec.channels()
	want := n * ch
	if cap(s.buf) < want {
		s.buf = make([]int16, want)
	}
	buf := s.buf[:want]

	got := 0
	for got < want {
		m, err := s.dec.read(buf[got:])
		got += m
		if err == io.EOF {
			break
		}
		if err != nil {
			s.done = true
			return nil, &sv.DecodeError{Path: s.path, Err: err}
		}
		if m == 0 {
			break
		}
	}
	if got < want {
		// 마지막 부분 블록은 채우지 않고 스트림 종료로 처리한다.
		s.done = true
		return nil, sv.ErrEndOfStream
	}

	block := make(sv.SampleBlock, ch)
	for c := range block {
		block[c] = make([]int16, n)
	}
	for i := 0; i < n; i++ {
		frame := buf[i*ch : i*ch+ch]
		for c, v := range frame {
			block[c][i] = v
		}
	}
	return block, nil
}

func (s *Source) ChannelCount() int { return s.dec.channels() }
func (s *Source) SampleRate() int   { return s.dec.sampleRate() }

// Length is the duration of the file in seconds, computed once at open time.
func (s *Source) Length() float64 { return s.length }

func (s *Source) Title() string { return s.title }
func (s *Source) Path() string  { return s.path }

func (s *Source) Close() error {
	s.done = true
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// readTitle reads the ID3v2 title, falling back to the file name.
func readTitle(path string) string {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err == nil {
		defer tag.Close()
		if title := strings.TrimSpace(tag.Title()); title != "" {
			return title
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// clamp16 saturates v into the signed 16-bit range.
func clamp16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
