package message

import (
	"bytes"
	"testing"
)

func TestSegmentAttachmentRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 1000)
	segments := SegmentAttachment("att-1", 7, "application/pdf", data, 1024)

	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3 for 3000 bytes at 1024", len(segments))
	}
	for i, s := range segments {
		if s.SegmentID != i+1 {
			t.Errorf("segment id = %d, want %d", s.SegmentID, i+1)
		}
		if s.ID != "att-1" || s.MessageID != 7 {
			t.Errorf("segment key = %s/%d", s.ID, s.MessageID)
		}
	}
	if !bytes.Equal(JoinAttachmentSegments(segments), data) {
		t.Error("joined segments differ from original")
	}
}

func TestSegmentAttachmentEmptyPayload(t *testing.T) {
	segments := SegmentAttachment("att-1", 7, "", nil, 0)
	if len(segments) != 1 || segments[0].SegmentID != 1 {
		t.Errorf("segments = %+v, want single empty segment", segments)
	}
}
