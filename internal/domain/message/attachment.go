package message

// DefaultAttachmentSegmentSize is the segment size attachments are split
// into when no explicit size is given.
const DefaultAttachmentSegmentSize = 1 << 20 // 1MB

// SegmentAttachment splits a payload into numbered segments sharing one
// attachment id. Segment ids start at 1; a zero or negative segment size
// falls back to the default.
func SegmentAttachment(id string, messageID int64, attachmentType string, data []byte, segmentSize int) []*Attachment {
	if segmentSize <= 0 {
		segmentSize = DefaultAttachmentSegmentSize
	}
	if len(data) == 0 {
		return []*Attachment{{
			ID:        id,
			MessageID: messageID,
			SegmentID: 1,
			Type:      attachmentType,
		}}
	}
	var out []*Attachment
	for offset, segment := 0, 1; offset < len(data); offset, segment = offset+segmentSize, segment+1 {
		end := offset + segmentSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, &Attachment{
			ID:        id,
			MessageID: messageID,
			SegmentID: segment,
			Type:      attachmentType,
			Data:      data[offset:end],
		})
	}
	return out
}

// JoinAttachmentSegments reassembles segments previously produced by
// SegmentAttachment. Segments must be ordered by segment id.
func JoinAttachmentSegments(segments []*Attachment) []byte {
	var total int
	for _, s := range segments {
		total += len(s.Data)
	}
	out := make([]byte, 0, total)
	for _, s := range segments {
		out = append(out, s.Data...)
	}
	return out
}
