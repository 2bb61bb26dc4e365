package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Decoder parses length-delimited protobuf-wire-format Payload messages
// into Frame values. It never panics on malformed sub-records: unknown wire
// tags are skipped and trailing garbage within a sub-record is ignored.
// Only a top-level parse failure (an unreadable varint/tag) is reported as
// an error; the receiver logs it and drops the frame.
type Decoder struct {
	fieldNames map[int]string
}

// NewDecoder creates a Decoder using the canonical field-id table.
func NewDecoder() *Decoder {
	return &Decoder{fieldNames: FieldNames}
}

// Decode parses a single Payload message.
//
//	message Payload {
//	  repeated Datum data = 1;
//	  google.protobuf.Timestamp created_at = 2;
//	  string vin = 3;
//	  bool is_resend = 4;
//	}
func (d *Decoder) Decode(raw []byte) (*Frame, error) {
	frame := &Frame{CreatedAt: time.Now()}

	pos := 0
	for pos < len(raw) {
		fieldNum, wireType, value, bytesValue, next, err := decodeField(raw, pos)
		if err != nil {
			return nil, fmt.Errorf("decode top-level field at offset %d: %w", pos, err)
		}
		pos = next

		switch {
		case fieldNum == 1 && wireType == wireLenDelim:
			if datum := d.decodeDatum(bytesValue); datum != nil {
				frame.Data = append(frame.Data, *datum)
			}
		case fieldNum == 2 && wireType == wireLenDelim:
			frame.CreatedAt = decodeTimestamp(bytesValue)
		case fieldNum == 3 && wireType == wireLenDelim:
			frame.VIN = string(bytesValue)
		case fieldNum == 4 && wireType == wireVarint:
			frame.IsResend = value != 0
		}
	}

	return frame, nil
}

func (d *Decoder) decodeDatum(raw []byte) *Datum {
	var fieldID int
	var value any
	var valueType ValueType

	pos := 0
	for pos < len(raw) {
		fn, wt, v, bv, next, err := decodeField(raw, pos)
		if err != nil {
			// Trailing garbage within a sub-record: stop parsing this datum,
			// keep what we have so far.
			break
		}
		pos = next
		switch {
		case fn == 1 && wt == wireVarint:
			fieldID = int(v)
		case fn == 2 && wt == wireLenDelim:
			value, valueType = decodeValue(bv)
		}
	}

	if fieldID == 0 {
		return nil
	}

	name, ok := d.fieldNames[fieldID]
	if !ok {
		name = fmt.Sprintf("Unknown(%d)", fieldID)
	}

	return &Datum{FieldName: name, FieldID: fieldID, Value: value, ValueType: valueType}
}

// decodeValue decodes a Value oneof sub-message.
func decodeValue(raw []byte) (any, ValueType) {
	pos := 0
	for pos < len(raw) {
		fn, wt, v, bv, next, err := decodeField(raw, pos)
		if err != nil {
			return nil, ""
		}
		pos = next

		switch {
		case fn == 1 && wt == wireLenDelim:
			return toUTF8(bv), ValueString
		case fn == 2 && wt == wireVarint: // int32
			return int64(v), ValueInt
		case fn == 3 && wt == wireVarint: // int64
			return int64(v), ValueInt
		case fn == 4 && wt == wireFixed32: // float
			bits := uint32(v)
			return float64(math.Float32frombits(bits)), ValueFloat
		case fn == 5 && wt == wireFixed64: // double
			return math.Float64frombits(v), ValueFloat
		case fn == 6 && wt == wireVarint:
			return v != 0, ValueBool
		case fn == 7 && wt == wireLenDelim:
			return decodeLocation(bv), ValueLocation
		}
	}
	return nil, ""
}

func decodeLocation(raw []byte) Location {
	var loc Location
	pos := 0
	for pos < len(raw) {
		fn, wt, v, _, next, err := decodeField(raw, pos)
		if err != nil {
			break
		}
		pos = next
		switch {
		case fn == 1 && wt == wireFixed64:
			loc.Latitude = math.Float64frombits(v)
		case fn == 2 && wt == wireFixed64:
			loc.Longitude = math.Float64frombits(v)
		}
	}
	return loc
}

func decodeTimestamp(raw []byte) time.Time {
	var seconds, nanos int64
	pos := 0
	for pos < len(raw) {
		fn, wt, v, _, next, err := decodeField(raw, pos)
		if err != nil {
			break
		}
		pos = next
		switch {
		case fn == 1 && wt == wireVarint:
			seconds = int64(v)
		case fn == 2 && wt == wireVarint:
			nanos = int64(v)
		}
	}
	if seconds == 0 && nanos == 0 {
		return time.Now()
	}
	return time.Unix(seconds, nanos).UTC()
}

func toUTF8(b []byte) string {
	// Go's string() conversion is already lossless for arbitrary bytes; the
	// spec requires UTF-8-with-replacement semantics on read, which we apply
	// conservatively by round-tripping through rune decoding.
	s := string(b)
	valid := make([]rune, 0, len(s))
	for _, r := range s {
		valid = append(valid, r)
	}
	return string(valid)
}

// Wire types, as in the protobuf wire format.
const (
	wireVarint   = 0
	wireFixed64  = 1
	wireLenDelim = 2
	wireFixed32  = 5
)

// decodeField reads one (field_number, wire_type, varint_value_or_0,
// bytes_value_or_nil) tuple starting at pos, returning the offset of the
// next field. It returns an error only when the tag or length prefix itself
// cannot be parsed (insufficient bytes) — the signal the top-level Decode
// uses to report a decode failure.
func decodeField(raw []byte, pos int) (fieldNum int, wireType int, varintValue uint64, bytesValue []byte, next int, err error) {
	tag, n := binary.Uvarint(raw[pos:])
	if n <= 0 {
		return 0, 0, 0, nil, pos, fmt.Errorf("invalid tag varint")
	}
	pos += n
	fieldNum = int(tag >> 3)
	wireType = int(tag & 0x7)

	switch wireType {
	case wireVarint:
		v, n := binary.Uvarint(raw[pos:])
		if n <= 0 {
			return 0, 0, 0, nil, pos, fmt.Errorf("invalid varint value")
		}
		return fieldNum, wireType, v, nil, pos + n, nil
	case wireFixed64:
		if pos+8 > len(raw) {
			return 0, 0, 0, nil, pos, fmt.Errorf("truncated fixed64")
		}
		v := binary.LittleEndian.Uint64(raw[pos : pos+8])
		return fieldNum, wireType, v, nil, pos + 8, nil
	case wireFixed32:
		if pos+4 > len(raw) {
			return 0, 0, 0, nil, pos, fmt.Errorf("truncated fixed32")
		}
		v := binary.LittleEndian.Uint32(raw[pos : pos+4])
		return fieldNum, wireType, uint64(v), nil, pos + 4, nil
	case wireLenDelim:
		ln, n := binary.Uvarint(raw[pos:])
		if n <= 0 {
			return 0, 0, 0, nil, pos, fmt.Errorf("invalid length varint")
		}
		pos += n
		end := pos + int(ln)
		if end > len(raw) || end < pos {
			return 0, 0, 0, nil, pos, fmt.Errorf("truncated length-delimited field")
		}
		return fieldNum, wireType, 0, raw[pos:end], end, nil
	default:
		return 0, 0, 0, nil, pos, fmt.Errorf("unsupported wire type %d", wireType)
	}
}
