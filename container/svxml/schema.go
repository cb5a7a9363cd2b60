package svxml

import (
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kokoavailable/wavemu/sv"

	"gopkg.in/yaml.v3"
)

//go:embed OpenPMU_SV.xml
var defaultTemplate []byte

const (
	TimeLayout = "15:04:05.000"
	DateLayout = "2006-01-02"
)

var ErrSchema = errors.New("invalid schema")

// Kind 는 필드 값을 문서 텍스트로 바꾸는 방법이다. 필드 이름으로 함수를 찾는 대신
// 스키마에 명시적으로 붙여 두어 변환이 항상 정의되도록 한다.
type Kind int

const (
	KindPassThrough Kind = iota
	KindNumeric
	KindTimeString
	KindBase64Payload
	KindChannel
)

var kindNames = map[Kind]string{
	KindPassThrough:   "passthrough",
	KindNumeric:       "numeric",
	KindTimeString:    "time",
	KindBase64Payload: "base64",
	KindChannel:       "channel",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field kind %q", ErrSchema, s)
}

// Field declares one element of the wire document.
type Field struct {
	Name     string
	Kind     Kind
	Layout   string // time layout, KindTimeString only
	Required bool
	Default  string // template text kept for static channel descriptors
	Children []Field
}

// Schema is the ordered field declaration of the wire document. It is read
// once and never modified afterwards.
type Schema struct {
	Root   string
	Fields []Field
}

// Field returns the top-level field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ChannelCount is the number of Channel_<i> blocks the schema declares.
func (s *Schema) ChannelCount() int {
	n := 0
	for _, f := range s.Fields {
		if f.Kind == KindChannel {
			n++
		}
	}
	return n
}

// inferKind maps well-known OpenPMU field names to their conversion.
func inferKind(name string) (Kind, string) {
	switch name {
	case sv.FieldFrame, sv.FieldFs, sv.FieldN, sv.FieldChannels, sv.FieldBits:
		return KindNumeric, ""
	case sv.FieldTime:
		return KindTimeString, TimeLayout
	case sv.FieldDate:
		return KindTimeString, DateLayout
	case sv.FieldPayload:
		return KindBase64Payload, ""
	}
	if _, ok := sv.ParseChannelName(name); ok {
		return KindChannel, ""
	}
	return KindPassThrough, ""
}

func (s *Schema) validate() error {
	if s.Root == "" {
		return fmt.Errorf("%w: missing root element", ErrSchema)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field without name", ErrSchema)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrSchema, f.Name)
		}
		seen[f.Name] = true
		if f.Kind == KindChannel {
			if _, ok := sv.ParseChannelName(f.Name); !ok {
				return fmt.Errorf("%w: channel block %q is not named %s<i>", ErrSchema, f.Name, sv.ChannelPrefix)
			}
		} else if len(f.Children) > 0 {
			return fmt.Errorf("%w: only channel blocks may nest fields, got %q", ErrSchema, f.Name)
		}
		if f.Kind == KindTimeString && f.Layout == "" {
			return fmt.Errorf("%w: time field %q has no layout", ErrSchema, f.Name)
		}
		for _, c := range f.Children {
			if c.Kind == KindChannel || len(c.Children) > 0 {
				return fmt.Errorf("%w: %s/%s nests too deep", ErrSchema, f.Name, c.Name)
			}
		}
	}
	return nil
}

// DefaultSchema returns the built-in OpenPMU SV template with eight channel blocks.
func DefaultSchema() *Schema {
	s, err := ParseTemplate(defaultTemplate)
	if err != nil {
		panic("svxml: built-in template: " + err.Error())
	}
	return s
}

// LoadSchema reads an XML template, or a YAML declaration for .yaml/.yml files.
func LoadSchema(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(b)
	default:
		return ParseTemplate(b)
	}
}

// --- XML template ---

type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseTemplate builds a schema from an XML template document. Element order
// is field order. Optional attributes: kind, layout, required.
func ParseTemplate(b []byte) (*Schema, error) {
	var root node
	if err := xml.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	s := &Schema{Root: root.XMLName.Local}
	for i := range root.Nodes {
		f, err := templateField(&root.Nodes[i])
		if err != nil {
			return nil, err
		}
		for j := range root.Nodes[i].Nodes {
			c, err := templateField(&root.Nodes[i].Nodes[j])
			if err != nil {
				return nil, err
			}
			if len(root.Nodes[i].Nodes[j].Nodes) > 0 {
				return nil, fmt.Errorf("%w: %s/%s nests too deep", ErrSchema, f.Name, c.Name)
			}
			f.Children = append(f.Children, c)
		}
		s.Fields = append(s.Fields, f)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func templateField(n *node) (Field, error) {
	f := Field{Name: n.XMLName.Local}
	f.Kind, f.Layout = inferKind(f.Name)
	if v, ok := n.attr("kind"); ok {
		k, err := ParseKind(v)
		if err != nil {
			return Field{}, err
		}
		f.Kind = k
	}
	if v, ok := n.attr("layout"); ok {
		f.Layout = v
	}
	if v, ok := n.attr("required"); ok {
		req, err := strconv.ParseBool(v)
		if err != nil {
			return Field{}, fmt.Errorf("%w: field %q required=%q", ErrSchema, f.Name, v)
		}
		f.Required = req
	}
	if len(n.Nodes) == 0 {
		f.Default = strings.TrimSpace(n.Text)
	}
	return f, nil
}

// --- YAML declaration ---

type yamlField struct {
	Name     string      `yaml:"name"`
	Kind     string      `yaml:"kind"`
	Layout   string      `yaml:"layout"`
	Required bool        `yaml:"required"`
	Default  string      `yaml:"default"`
	Children []yamlField `yaml:"children"`
}

type yamlSchema struct {
	Root   string      `yaml:"root"`
	Fields []yamlField `yaml:"fields"`
}

// ParseYAML builds a schema from a YAML field declaration.
func ParseYAML(b []byte) (*Schema, error) {
	var ys yamlSchema
	if err := yaml.Unmarshal(b, &ys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	s := &Schema{Root: ys.Root}
	for _, yf := range ys.Fields {
		f, err := yf.field()
		if err != nil {
			return nil, err
		}
		for _, yc := range yf.Children {
			c, err := yc.field()
			if err != nil {
				return nil, err
			}
			if len(yc.Children) > 0 {
				return nil, fmt.Errorf("%w: %s/%s nests too deep", ErrSchema, f.Name, c.Name)
			}
			f.Children = append(f.Children, c)
		}
		s.Fields = append(s.Fields, f)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (yf yamlField) field() (Field, error) {
	f := Field{Name: yf.Name, Required: yf.Required, Default: yf.Default}
	f.Kind, f.Layout = inferKind(yf.Name)
	if yf.Kind != "" {
		k, err := ParseKind(yf.Kind)
		if err != nil {
			return Field{}, err
		}
		f.Kind = k
	}
	if yf.Layout != "" {
		f.Layout = yf.Layout
	}
	return f, nil
}
