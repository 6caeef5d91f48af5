// Package gsm7 encodes SMS text and splits it into concatenated-SMS (UDH)
// segments.
//
// The encoding is byte-for-byte ISO-8859-1, used here as a stand-in for the
// real GSM 7-bit default alphabet — this matches observed upstream behavior
// (see SPEC_FULL.md §9) and is correct for pure ASCII text but wrong for the
// handful of GSM-7-specific glyphs (the currency/quote substitutions etc).
// A future revision should swap Encode for a real GSM-7 packer behind the
// same signature.
package gsm7

import "time"

const (
	// SingleSegmentMaxLen is the largest text that fits in one PDU.
	SingleSegmentMaxLen = 160
	// SegmentLen is the payload length of each part of a multi-segment
	// message (160 minus the 7 characters a 6-byte UDH would otherwise
	// cost when counted in GSM-7 septets; kept as a fixed constant per
	// the wire contract in SPEC_FULL.md §6).
	SegmentLen = 153
	// UDHLen is the length in bytes of the User Data Header prefix.
	UDHLen = 6

	udhIEI    = 0x05
	udhIEILen = 0x00
	udhRefLen = 0x03

	// DataCodingDefault is data_coding for both single and multi-segment PDUs.
	DataCodingDefault = 0x00
	// ESMClassSingle is esm_class for a single-segment submit.
	ESMClassSingle = 0x00
	// ESMClassConcat is esm_class for a UDH-concatenated submit.
	ESMClassConcat = 0x40
)

// Encode converts text to its ISO-8859-1 byte representation.
func Encode(text string) []byte {
	runes := []rune(text)
	out := make([]byte, len(runes))
	for i, r := range runes {
		if r > 0xFF {
			out[i] = '?'
			continue
		}
		out[i] = byte(r)
	}
	return out
}

// Segment is a single PDU's worth of an encoded message: either the whole
// message (PartNum == 0, TotalParts == 0) or one concatenated part.
type Segment struct {
	PartNum    int // 1-indexed; 0 for a non-segmented message
	TotalParts int // 0 for a non-segmented message
	RefNum     byte
	ESMClass   byte
	DataCoding byte
	Payload    []byte // UDH-prefixed for concatenated parts, raw otherwise
}

// Split encodes text and divides it into PDU-ready segments, following the
// wire contract in SPEC_FULL.md §6: <=160 encoded bytes is one segment with
// esm_class 0x00; longer text is split into ceil(n/153) parts of 153 bytes
// each (the last part is the remainder), each prefixed with a 6-byte UDH
// {0x05, 0x00, 0x03, refNum, totalParts, partNum} and esm_class 0x40.
func Split(text string, refNumSource func() byte) []Segment {
	encoded := Encode(text)

	if len(encoded) <= SingleSegmentMaxLen {
		return []Segment{{
			ESMClass:   ESMClassSingle,
			DataCoding: DataCodingDefault,
			Payload:    encoded,
		}}
	}

	totalParts := (len(encoded) + SegmentLen - 1) / SegmentLen
	refNum := refNumSource()

	segments := make([]Segment, 0, totalParts)
	for i := 0; i < totalParts; i++ {
		start := i * SegmentLen
		end := start + SegmentLen
		if end > len(encoded) {
			end = len(encoded)
		}
		partNum := i + 1

		udh := []byte{udhIEI, udhIEILen, udhRefLen, refNum, byte(totalParts), byte(partNum)}
		payload := make([]byte, 0, UDHLen+(end-start))
		payload = append(payload, udh...)
		payload = append(payload, encoded[start:end]...)

		segments = append(segments, Segment{
			PartNum:    partNum,
			TotalParts: totalParts,
			RefNum:     refNum,
			ESMClass:   ESMClassConcat,
			DataCoding: DataCodingDefault,
			Payload:    payload,
		})
	}
	return segments
}

// DefaultRefNum derives a one-byte reference number common to all segments
// of one message from the low byte of the current millisecond clock, as
// observed upstream.
func DefaultRefNum() byte {
	return byte(time.Now().UnixMilli())
}
