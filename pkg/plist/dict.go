package plist

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/blacktop/go-plist"
)

// Format mirrors the two property-list encodings the Developer Portal
// and Xcode toolchain read and write, letting callers round-trip a
// document in the same format they received it in.
type Format int

const (
	AutomaticFormat Format = iota
	XMLFormat
	BinaryFormat
)

func (f Format) native() int {
	switch f {
	case XMLFormat:
		return plist.XMLFormat
	case BinaryFormat:
		return plist.BinaryFormat
	default:
		return plist.AutomaticFormat
	}
}

// entry is one key/value pair of an OrderedDict, kept in insertion order.
type entry struct {
	Key   string
	Value any
}

// OrderedDict is a property-list dictionary that remembers the order its
// keys were first seen in, so a decode-then-encode round trip (as the
// orchestrator performs on an XML Info.plist while patching a handful of
// keys) keeps the surrounding key order instead of the random order Go's
// built-in map imposes. The output is re-indented, not a byte copy.
type OrderedDict struct {
	entries []entry
	index   map[string]int
}

// NewOrderedDict returns an empty OrderedDict.
func NewOrderedDict() *OrderedDict {
	return &OrderedDict{index: make(map[string]int)}
}

// Set inserts key with value, or overwrites value in place if key is
// already present, preserving key's original position.
func (d *OrderedDict) Set(key string, value any) {
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if i, ok := d.index[key]; ok {
		d.entries[i].Value = value
		return
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, entry{Key: key, Value: value})
}

// Get returns the value stored for key, if any.
func (d *OrderedDict) Get(key string) (any, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.entries[i].Value, true
}

// Delete removes key, shifting later entries left by one.
func (d *OrderedDict) Delete(key string) {
	i, ok := d.index[key]
	if !ok {
		return
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	delete(d.index, key)
	for k, v := range d.index {
		if v > i {
			d.index[k] = v - 1
		}
	}
}

// Keys returns the dictionary's keys in insertion order.
func (d *OrderedDict) Keys() []string {
	keys := make([]string, len(d.entries))
	for i, e := range d.entries {
		keys[i] = e.Key
	}
	return keys
}

// Len reports the number of keys in d.
func (d *OrderedDict) Len() int {
	return len(d.entries)
}

// Decode parses data (XML or binary plist) into v.
func Decode(data []byte, v any) error {
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode plist: %w", err)
	}
	return nil
}

// Encode serializes v in the given format. AutomaticFormat lets go-plist
// choose XML for structures it can represent that way and binary otherwise.
func Encode(v any, format Format) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := plist.NewEncoderForFormat(buf, format.native())
	enc.Indent("\t")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode plist: %w", err)
	}
	return buf.Bytes(), nil
}

// DetectFormat reports which of XMLFormat/BinaryFormat data is encoded in,
// used to re-emit an entitlements or Info.plist blob in its original
// format after mutation.
func DetectFormat(data []byte) Format {
	if bytes.HasPrefix(data, []byte("bplist00")) {
		return BinaryFormat
	}
	return XMLFormat
}

// DecodeOrderedXML parses an XML property list's top-level <dict> into an
// OrderedDict, preserving key order. go-plist's generic map decode does
// not make that guarantee, so the orchestrator uses this instead of
// Decode whenever it needs to patch a handful of keys in an XML
// Info.plist without disturbing the rest.
//
// Only the value shapes the orchestrator actually mutates or copies through
// unchanged are supported: string, boolean, integer, real, array, and
// nested dict; anything else is kept as the raw plist element text so it
// re-encodes unchanged.
func DecodeOrderedXML(data []byte) (*OrderedDict, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to find root <dict>: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "dict" {
			return decodeXMLDict(dec)
		}
	}
}

func decodeXMLDict(dec *xml.Decoder) (*OrderedDict, error) {
	d := NewOrderedDict()
	var key string
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return d, nil
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			val, err := decodeXMLValue(dec, t)
			if err != nil {
				return nil, err
			}
			if t.Name.Local == "key" {
				key = val.(string)
				continue
			}
			d.Set(key, val)
		case xml.EndElement:
			if t.Name.Local == "dict" {
				return d, nil
			}
		}
	}
}

func decodeXMLValue(dec *xml.Decoder, start xml.StartElement) (any, error) {
	switch start.Name.Local {
	case "dict":
		return decodeXMLDict(dec)
	case "array":
		var items []any
		for {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				v, err := decodeXMLValue(dec, t)
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			case xml.EndElement:
				if t.Name.Local == "array" {
					return items, nil
				}
			}
		}
	case "true":
		return consumeText(dec, start, true)
	case "false":
		return consumeText(dec, start, false)
	default:
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return nil, err
		}
		switch start.Name.Local {
		case "integer":
			return strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		case "real":
			return strconv.ParseFloat(strings.TrimSpace(text), 64)
		}
		return text, nil
	}
}

// consumeText advances past a self-closing boolean element (<true/> or
// <false/>) and returns literal.
func consumeText(dec *xml.Decoder, start xml.StartElement, literal bool) (any, error) {
	var discard struct{}
	if err := dec.DecodeElement(&discard, &start); err != nil {
		return nil, err
	}
	return literal, nil
}

// EncodeOrderedXML serializes d back to an XML property list, the
// counterpart to DecodeOrderedXML. go-plist's own encoder has no notion
// of OrderedDict, so this writes the handful of element types the
// decoder produces directly rather than routing through it.
func EncodeOrderedXML(d *OrderedDict) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<!DOCTYPE plist PUBLIC \"-//Apple//DTD PLIST 1.0//EN\" \"http://www.apple.com/DTDs/PropertyList-1.0.dtd\">\n")
	buf.WriteString("<plist version=\"1.0\">\n")
	if err := encodeOrderedDict(&buf, d, 0); err != nil {
		return nil, fmt.Errorf("failed to encode plist: %w", err)
	}
	buf.WriteString("\n</plist>\n")
	return buf.Bytes(), nil
}

func encodeOrderedDict(buf *bytes.Buffer, d *OrderedDict, depth int) error {
	indent := strings.Repeat("\t", depth)
	buf.WriteString(indent + "<dict>\n")
	for _, e := range d.entries {
		buf.WriteString(indent + "\t<key>" + escapeXMLText(e.Key) + "</key>\n")
		if err := encodeOrderedValue(buf, e.Value, depth+1); err != nil {
			return err
		}
	}
	buf.WriteString(indent + "</dict>")
	return nil
}

func encodeOrderedValue(buf *bytes.Buffer, v any, depth int) error {
	indent := strings.Repeat("\t", depth)
	switch t := v.(type) {
	case bool:
		if t {
			buf.WriteString(indent + "<true/>\n")
		} else {
			buf.WriteString(indent + "<false/>\n")
		}
	case string:
		buf.WriteString(indent + "<string>" + escapeXMLText(t) + "</string>\n")
	case int:
		fmt.Fprintf(buf, "%s<integer>%d</integer>\n", indent, t)
	case int64:
		fmt.Fprintf(buf, "%s<integer>%d</integer>\n", indent, t)
	case float64:
		fmt.Fprintf(buf, "%s<real>%v</real>\n", indent, t)
	case *OrderedDict:
		if err := encodeOrderedDict(buf, t, depth); err != nil {
			return err
		}
		buf.WriteString("\n")
	case []any:
		buf.WriteString(indent + "<array>\n")
		for _, item := range t {
			if err := encodeOrderedValue(buf, item, depth+1); err != nil {
				return err
			}
		}
		buf.WriteString(indent + "</array>\n")
	default:
		return fmt.Errorf("plist: unsupported ordered value type %T", v)
	}
	return nil
}

func escapeXMLText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
