// Package datatype defines the data type adapter contract: a pair of pure
// functions converting between a wire form and the canonical XML form the
// pipeline transforms against. The engine requires the round trip
// raw -> ToXML -> FromXML to be lossless for configured types.
package datatype

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DataType converts between a connector's wire form and canonical XML.
type DataType interface {
	// Name identifies the type in configuration and persisted content rows.
	Name() string
	// ToXML parses the raw wire form into canonical XML.
	ToXML(raw string) (string, error)
	// FromXML serializes canonical XML back to the wire form.
	FromXML(xmlStr string) (string, error)
}

// Registry resolves data types by name.
type Registry struct {
	types map[string]DataType
}

// NewRegistry creates a registry pre-populated with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]DataType)}
	r.Register(XML{})
	r.Register(Delimited{ColumnDelimiter: ",", RecordDelimiter: "\n"})
	return r
}

// Register adds or replaces a data type.
func (r *Registry) Register(dt DataType) {
	r.types[dt.Name()] = dt
}

// Get resolves a data type by name.
func (r *Registry) Get(name string) (DataType, error) {
	dt, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("unknown data type %q", name)
	}
	return dt, nil
}

// XML is the passthrough data type: the wire form already is XML.
type XML struct{}

// Name returns "XML".
func (XML) Name() string { return "XML" }

// ToXML validates well-formedness and returns the input unchanged. Empty
// input passes through; the pipeline accepts empty payloads.
func (XML) ToXML(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return raw, nil
	}
	if err := checkWellFormed(raw); err != nil {
		return "", fmt.Errorf("invalid XML: %w", err)
	}
	return raw, nil
}

// FromXML returns the input unchanged.
func (XML) FromXML(xmlStr string) (string, error) {
	return xmlStr, nil
}

func checkWellFormed(s string) error {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		_, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Delimited converts between delimited records and a <delimited> XML document
// of <row> elements with positional <columnN> children.
type Delimited struct {
	ColumnDelimiter string
	RecordDelimiter string
}

// Name returns "DELIMITED".
func (Delimited) Name() string { return "DELIMITED" }

// ToXML parses delimited records into the canonical row/column document.
func (d Delimited) ToXML(raw string) (string, error) {
	var b strings.Builder
	b.WriteString("<delimited>")
	if raw != "" {
		for _, rec := range strings.Split(strings.TrimRight(raw, d.RecordDelimiter), d.RecordDelimiter) {
			b.WriteString("<row>")
			for i, col := range strings.Split(rec, d.ColumnDelimiter) {
				fmt.Fprintf(&b, "<column%d>", i+1)
				if err := xml.EscapeText(&b, []byte(col)); err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "</column%d>", i+1)
			}
			b.WriteString("</row>")
		}
	}
	b.WriteString("</delimited>")
	return b.String(), nil
}

// FromXML serializes the canonical row/column document back to delimited
// records.
func (d Delimited) FromXML(xmlStr string) (string, error) {
	type row struct {
		Columns []struct {
			XMLName xml.Name
			Value   string `xml:",chardata"`
		} `xml:",any"`
	}
	type doc struct {
		Rows []row `xml:"row"`
	}
	var parsed doc
	if err := xml.Unmarshal([]byte(xmlStr), &parsed); err != nil {
		return "", fmt.Errorf("invalid delimited XML: %w", err)
	}
	records := make([]string, 0, len(parsed.Rows))
	for _, r := range parsed.Rows {
		cols := make([]string, 0, len(r.Columns))
		for _, c := range r.Columns {
			cols = append(cols, c.Value)
		}
		records = append(records, strings.Join(cols, d.ColumnDelimiter))
	}
	if len(records) == 0 {
		return "", nil
	}
	return strings.Join(records, d.RecordDelimiter) + d.RecordDelimiter, nil
}
