package datatype

import "testing"

func TestXMLPassthrough(t *testing.T) {
	dt := XML{}

	in := "<root><name>test</name></root>"
	xml, err := dt.ToXML(in)
	if err != nil {
		t.Fatalf("ToXML failed: %v", err)
	}
	out, err := dt.FromXML(xml)
	if err != nil {
		t.Fatalf("FromXML failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %q, want %q", out, in)
	}
}

func TestXMLRejectsMalformed(t *testing.T) {
	if _, err := (XML{}).ToXML("<unclosed"); err == nil {
		t.Error("expected error for malformed XML")
	}
}

func TestXMLEmptyPayloadAccepted(t *testing.T) {
	if _, err := (XML{}).ToXML(""); err != nil {
		t.Errorf("empty payload rejected: %v", err)
	}
	if _, err := (XML{}).ToXML("   "); err != nil {
		t.Errorf("whitespace payload rejected: %v", err)
	}
}

func TestDelimitedRoundTrip(t *testing.T) {
	dt := Delimited{ColumnDelimiter: ",", RecordDelimiter: "\n"}

	in := "MSH,hello,world\nPID,smith,john\n"
	xml, err := dt.ToXML(in)
	if err != nil {
		t.Fatalf("ToXML failed: %v", err)
	}
	out, err := dt.FromXML(xml)
	if err != nil {
		t.Fatalf("FromXML failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %q, want %q", out, in)
	}
}

func TestDelimitedEscapesXMLCharacters(t *testing.T) {
	dt := Delimited{ColumnDelimiter: ",", RecordDelimiter: "\n"}

	in := "a<b,c&d\n"
	xml, err := dt.ToXML(in)
	if err != nil {
		t.Fatalf("ToXML failed: %v", err)
	}
	out, err := dt.FromXML(xml)
	if err != nil {
		t.Fatalf("FromXML failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %q, want %q", out, in)
	}
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"XML", "DELIMITED"} {
		if _, err := r.Get(name); err != nil {
			t.Errorf("builtin %s missing: %v", name, err)
		}
	}
	if _, err := r.Get("HL7V2"); err == nil {
		t.Error("unknown type resolved")
	}
}
