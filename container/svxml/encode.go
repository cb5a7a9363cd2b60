package svxml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kokoavailable/wavemu/sv"
)

// Encode renders f as a wire document in schema order. The document is built
// fresh on every call; the schema is only read.
//
// Fields the frame does not carry are left out of the document. A missing
// required field, or a value that does not fit its field kind, is reported as
// a *sv.SchemaMismatchError and skipped: the returned document still holds
// everything that resolved, so callers can log the error and send anyway.
func Encode(s *Schema, f *sv.Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	var mismatches []error

	root := xml.StartElement{Name: xml.Name{Local: s.Root}}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	for _, fd := range s.Fields {
		if fd.Kind == KindChannel {
			i, _ := sv.ParseChannelName(fd.Name)
			if !f.HasChannel(i) {
				// 설정된 채널 수 밖의 블록은 문서에서 빠진다. 오류가 아니다.
				continue
			}
			if err := encodeChannel(enc, fd, f, i, &mismatches); err != nil {
				return nil, err
			}
			continue
		}

		v, ok := f.Field(fd.Name)
		if !ok {
			if fd.Required {
				mismatches = append(mismatches, &sv.SchemaMismatchError{Field: fd.Name, Reason: "missing from frame"})
			}
			continue
		}
		text, err := convert(fd, v)
		if err != nil {
			mismatches = append(mismatches, err)
			continue
		}
		if err := enc.EncodeElement(text, xml.StartElement{Name: xml.Name{Local: fd.Name}}); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), errors.Join(mismatches...)
}

func encodeChannel(enc *xml.Encoder, fd Field, f *sv.Frame, ch int, mismatches *[]error) error {
	start := xml.StartElement{Name: xml.Name{Local: fd.Name}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, sub := range fd.Children {
		var text string
		v, ok := f.ChannelField(ch, sub.Name)
		switch {
		case ok:
			var err error
			if text, err = convert(sub, v); err != nil {
				*mismatches = append(*mismatches, err)
				continue
			}
		case sub.Default != "":
			// 채널 이름, 종류 같은 고정 설명 값은 템플릿 텍스트 그대로 나간다.
			text = sub.Default
		case sub.Required:
			*mismatches = append(*mismatches, &sv.SchemaMismatchError{Field: fd.Name + "/" + sub.Name, Reason: "missing from frame"})
			continue
		default:
			continue
		}
		if err := enc.EncodeElement(text, xml.StartElement{Name: xml.Name{Local: sub.Name}}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func convert(fd Field, v interface{}) (string, error) {
	switch fd.Kind {
	case KindNumeric:
		switch n := v.(type) {
		case int:
			return strconv.Itoa(n), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case uint64:
			return strconv.FormatUint(n, 10), nil
		}
	case KindTimeString:
		if t, ok := v.(time.Time); ok {
			return t.Format(fd.Layout), nil
		}
	case KindBase64Payload:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b), nil
		}
	case KindPassThrough:
		switch p := v.(type) {
		case string:
			return p, nil
		case []byte:
			return string(p), nil
		}
		return fmt.Sprint(v), nil
	}
	return "", &sv.SchemaMismatchError{Field: fd.Name, Reason: fmt.Sprintf("%T cannot be encoded as %s", v, fd.Kind)}
}

// Mismatches unpacks the schema mismatches carried by an Encode error.
func Mismatches(err error) []*sv.SchemaMismatchError {
	if err == nil {
		return nil
	}
	var out []*sv.SchemaMismatchError
	var walk func(error)
	walk = func(e error) {
		if m, ok := e.(*sv.SchemaMismatchError); ok {
			out = append(out, m)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

// Decode parses a wire document produced by Encode back into a frame record.
// Only fields declared by the schema are read. Time and Date are combined in
// the local time zone.
func Decode(s *Schema, doc []byte) (*sv.Frame, error) {
	var root node
	if err := xml.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	if root.XMLName.Local != s.Root {
		return nil, fmt.Errorf("%w: root %q, want %q", ErrSchema, root.XMLName.Local, s.Root)
	}

	f := &sv.Frame{}
	var date, clock string
	dateLayout, clockLayout := DateLayout, TimeLayout
	for i := range root.Nodes {
		n := &root.Nodes[i]
		fd, ok := s.Field(n.XMLName.Local)
		if !ok {
			continue
		}
		text := strings.TrimSpace(n.Text)
		switch fd.Kind {
		case KindNumeric:
			v, err := strconv.Atoi(text)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", fd.Name, err)
			}
			setNumeric(f, fd.Name, v)
		case KindTimeString:
			if fd.Name == sv.FieldDate {
				date, dateLayout = text, fd.Layout
			} else {
				clock, clockLayout = text, fd.Layout
			}
		case KindChannel:
			ch, _ := sv.ParseChannelName(fd.Name)
			for j := range n.Nodes {
				sub := &n.Nodes[j]
				if sub.XMLName.Local != sv.FieldPayload {
					continue
				}
				b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sub.Text))
				if err != nil {
					return nil, fmt.Errorf("field %s/%s: %w", fd.Name, sv.FieldPayload, err)
				}
				for len(f.Payloads) <= ch {
					f.Payloads = append(f.Payloads, nil)
				}
				f.Payloads[ch] = b
			}
		}
	}
	if date != "" && clock != "" {
		stamp, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, time.Local)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sv.FieldTime, err)
		}
		f.Stamp = stamp
	}
	return f, nil
}

func setNumeric(f *sv.Frame, name string, v int) {
	switch name {
	case sv.FieldFrame:
		f.Seq = v
	case sv.FieldFs:
		f.Fs = v
	case sv.FieldN:
		f.N = v
	case sv.FieldChannels:
		f.Channels = v
	case sv.FieldBits:
		f.Bits = v
	}
}
