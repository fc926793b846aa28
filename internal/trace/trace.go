// Package trace records an ordered, audit-grade narrative of a computation. Attribute and
// provenance key order is preserved exactly as recorded.
package trace

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/internal/encoding"
)

// Attribute is one named value. Values are scalars, []byte, Map or List.
type Attribute struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Attr is shorthand for building attribute lists.
func Attr(name string, value any) Attribute {
	return Attribute{Name: name, Value: value}
}

// Note is a free-form annotation on a step.
type Note struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Step struct {
	ID         string      `json:"id"`
	Summary    string      `json:"summary"`
	Detail     string      `json:"detail,omitempty"`
	Attributes []Attribute `json:"attributes"`
	Notes      []Note      `json:"notes,omitempty"`
}

// Attr returns the value recorded under name, nil when absent.
func (s Step) Attr(name string) any {
	for _, a := range s.Attributes {
		if a.Name == name {
			return a.Value
		}
	}
	return nil
}

// Entry is a key of an ordered Map.
type Entry struct {
	Key   string
	Value any
}

// Map is an insertion-ordered mapping. It marshals to a JSON object with keys in order.
type Map []Entry

// List is an index-ordered sequence.
type List []any

// Section is one named provenance block.
type Section struct {
	Name  string
	Value any
}

type Trace struct {
	Operation  string      `json:"operation"`
	Metadata   []Attribute `json:"metadata"`
	Steps      []Step      `json:"steps"`
	Provenance []Section   `json:"provenance,omitempty"`
}

// MetadataValue returns the metadata value recorded under name.
func (t *Trace) MetadataValue(name string) (any, bool) {
	for _, a := range t.Metadata {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Step returns the first step with the given id.
func (t *Trace) Step(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Section returns the provenance section with the given name.
func (t *Trace) Section(name string) (any, bool) {
	for _, s := range t.Provenance {
		if s.Name == name {
			return s.Value, true
		}
	}
	return nil, false
}

// Recorder accumulates a Trace for one request. A nil Recorder is valid and records nothing,
// which is how non-verbose requests run.
type Recorder struct {
	trace *Trace
	err   error
}

// Begin starts a trace for the named operation.
func Begin(operation string, metadata ...Attribute) *Recorder {
	r := &Recorder{trace: &Trace{Operation: operation, Metadata: []Attribute{}, Steps: []Step{}}}
	if operation == "" {
		r.err = errors.New("operation required")
	}
	for _, m := range metadata {
		r.Meta(m.Name, m.Value)
	}
	return r
}

// Meta appends a metadata attribute.
func (r *Recorder) Meta(name string, value any) {
	if !r.active() {
		return
	}
	if err := checkValue(value); err != nil {
		r.fail(errors.Wrapf(err, "metadata %q", name))
		return
	}
	r.trace.Metadata = append(r.trace.Metadata, Attribute{Name: name, Value: value})
}

// Step appends a step. Attribute order is kept verbatim.
func (r *Recorder) Step(id, summary, detail string, attrs []Attribute, notes ...Note) {
	if !r.active() {
		return
	}
	if id == "" {
		r.fail(errors.New("step id required"))
		return
	}
	for _, a := range attrs {
		if a.Name == "" {
			r.fail(errors.Errorf("step %q has an unnamed attribute", id))
			return
		}
		if err := checkValue(a.Value); err != nil {
			r.fail(errors.Wrapf(err, "step %q attribute %q", id, a.Name))
			return
		}
	}
	step := Step{ID: id, Summary: summary, Detail: detail, Attributes: append([]Attribute{}, attrs...)}
	if len(notes) > 0 {
		step.Notes = append([]Note{}, notes...)
	}
	r.trace.Steps = append(r.trace.Steps, step)
}

// Provenance attaches a named section. Nested Map and List values are kept in order.
func (r *Recorder) Provenance(section string, value any) {
	if !r.active() {
		return
	}
	if section == "" {
		r.fail(errors.New("provenance section name required"))
		return
	}
	if err := checkValue(value); err != nil {
		r.fail(errors.Wrapf(err, "provenance %q", section))
		return
	}
	r.trace.Provenance = append(r.trace.Provenance, Section{Name: section, Value: value})
}

// Finish hands the trace to the caller. The recorder keeps no reference afterwards, so later
// calls record nothing. A trace that failed to record is omitted.
func (r *Recorder) Finish() *Trace {
	if r == nil {
		return nil
	}
	t, err := r.trace, r.err
	r.trace, r.err = nil, nil
	if err != nil {
		logrus.WithError(err).Debug("trace omitted")
		return nil
	}
	return t
}

func (r *Recorder) active() bool {
	return r != nil && r.trace != nil && r.err == nil
}

func (r *Recorder) fail(err error) {
	r.err = err
}

func checkValue(v any) error {
	switch val := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, []byte, encoding.HexBytes:
		return nil
	case []string:
		return nil
	case Map:
		for _, e := range val {
			if e.Key == "" {
				return errors.New("map entry without key")
			}
			if err := checkValue(e.Value); err != nil {
				return errors.Wrapf(err, "key %q", e.Key)
			}
		}
		return nil
	case List:
		for i, item := range val {
			if err := checkValue(item); err != nil {
				return errors.Wrapf(err, "index %d", i)
			}
		}
		return nil
	}
	return errors.Errorf("unsupported trace value type %T", v)
}

// MarshalJSON writes the entries as an object, in order.
func (m Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := marshalValue(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (l List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		value, err := marshalValue(item)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (a Attribute) MarshalJSON() ([]byte, error) {
	value, err := marshalValue(a.Value)
	if err != nil {
		return nil, err
	}
	name, err := json.Marshal(a.Name)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"name":%s,"value":%s}`, name, value)), nil
}

func (s Section) MarshalJSON() ([]byte, error) {
	value, err := marshalValue(s.Value)
	if err != nil {
		return nil, err
	}
	name, err := json.Marshal(s.Name)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"name":%s,"value":%s}`, name, value)), nil
}

func marshalValue(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return json.Marshal(encoding.EncodeHex(b))
	}
	return json.Marshal(v)
}

// Render produces the plain text form used by the CLI and logs.
func (t *Trace) Render() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "operation = %s\n", t.Operation)
	for _, m := range t.Metadata {
		fmt.Fprintf(&b, "metadata.%s = %s\n", m.Name, formatScalar(m.Value))
	}
	for i, s := range t.Steps {
		fmt.Fprintf(&b, "step.%d: %s", i+1, s.ID)
		if s.Summary != "" {
			fmt.Fprintf(&b, " (%s)", s.Summary)
		}
		b.WriteByte('\n')
		if s.Detail != "" {
			fmt.Fprintf(&b, "  detail = %s\n", s.Detail)
		}
		for _, a := range s.Attributes {
			renderValue(&b, "  "+a.Name, a.Value)
		}
		for _, n := range s.Notes {
			fmt.Fprintf(&b, "  note.%s = %s\n", n.Name, n.Value)
		}
	}
	for _, sec := range t.Provenance {
		renderValue(&b, "provenance."+sec.Name, sec.Value)
	}
	return b.String()
}

func renderValue(b *strings.Builder, prefix string, v any) {
	switch val := v.(type) {
	case Map:
		if len(val) == 0 {
			fmt.Fprintf(b, "%s = {}\n", prefix)
		}
		for _, e := range val {
			renderValue(b, prefix+"."+e.Key, e.Value)
		}
	case List:
		if len(val) == 0 {
			fmt.Fprintf(b, "%s = []\n", prefix)
		}
		for i, item := range val {
			renderValue(b, fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	default:
		fmt.Fprintf(b, "%s = %s\n", prefix, formatScalar(v))
	}
}

func formatScalar(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case []byte:
		return encoding.EncodeHex(val)
	case []string:
		return "[" + strings.Join(val, ", ") + "]"
	}
	return fmt.Sprint(v)
}
