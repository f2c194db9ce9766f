package comm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Codec is the wire framing for whole application messages. connect/frame.go
// reaches for google.golang.org/protobuf with a protoc-generated registry
// (see DESIGN.md for why that dependency was dropped here: it requires
// running protoc, which this environment cannot do); this encodes the same
// tagged-union shape by hand with encoding/binary, keeping the MessageType
// name as the wire tag so decode doesn't need a generated switch statement.
//
// Frame layout: u16 type-name length, type-name bytes, u64 boot id,
// u16 field count, then per field: u8 name length, name bytes, u8 field
// type tag, u32 value length, value bytes (fixed-width scalars are still
// length-prefixed for a uniform decode loop).
type Codec struct {
	registry map[string]*MessageType
}

func NewCodec(types ...*MessageType) *Codec {
	c := &Codec{registry: map[string]*MessageType{}}
	for _, t := range types {
		c.registry[t.Name()] = t
	}
	return c
}

func (c *Codec) Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	name := msg.Type.Name()
	if len(name) > 0xFFFF {
		return nil, fmt.Errorf("message type name too long: %d", len(name))
	}
	writeU16(&buf, uint16(len(name)))
	buf.WriteString(name)
	writeU64(&buf, msg.BootId)

	if len(msg.Type.fields) < len(msg.Fields) {
		// fields map may carry more than the schema declares; encode what's set.
	}
	names := msg.Type.orderedFieldNames(msg.Fields)
	writeU16(&buf, uint16(len(names)))
	for _, name := range names {
		value := msg.Fields[name]
		if len(name) > 0xFF {
			return nil, fmt.Errorf("field name too long: %s", name)
		}
		buf.WriteByte(byte(len(name)))
		buf.WriteString(name)
		encoded, tag, err := encodeField(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		buf.WriteByte(byte(tag))
		writeU32(&buf, uint32(len(encoded)))
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

func (c *Codec) Decode(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	nameLen, err := readU16(r)
	if err != nil {
		return nil, err
	}
	nameBuf := make([]byte, nameLen)
	if _, err := readFull(r, nameBuf); err != nil {
		return nil, err
	}
	name := string(nameBuf)
	typ, ok := c.registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown message type on wire: %s", name)
	}
	bootId, err := readU64(r)
	if err != nil {
		return nil, err
	}
	fieldCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	msg := NewMessage(typ)
	msg.BootId = bootId
	for i := 0; i < int(fieldCount); i++ {
		fnLenB := make([]byte, 1)
		if _, err := readFull(r, fnLenB); err != nil {
			return nil, err
		}
		fn := make([]byte, fnLenB[0])
		if _, err := readFull(r, fn); err != nil {
			return nil, err
		}
		tagB := make([]byte, 1)
		if _, err := readFull(r, tagB); err != nil {
			return nil, err
		}
		valLen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		val := make([]byte, valLen)
		if _, err := readFull(r, val); err != nil {
			return nil, err
		}
		decoded, err := decodeField(FieldType(tagB[0]), val)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", string(fn), err)
		}
		msg.Fields[string(fn)] = decoded
	}
	return msg, nil
}

func (t *MessageType) orderedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for n := range fields {
		names = append(names, n)
	}
	return names
}

func encodeField(value any) ([]byte, FieldType, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return []byte{1}, FieldBool, nil
		}
		return []byte{0}, FieldBool, nil
	case int8:
		return []byte{byte(v)}, FieldInt8, nil
	case int16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b, FieldInt16, nil
	case int32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b, FieldInt32, nil
	case int64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return b, FieldInt64, nil
	case uint64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b, FieldInt64, nil
	case []byte:
		return v, FieldBytes, nil
	case string:
		return []byte(v), FieldString, nil
	default:
		return nil, 0, fmt.Errorf("unsupported field value type %T", v)
	}
}

func decodeField(t FieldType, data []byte) (any, error) {
	switch t {
	case FieldBool:
		return len(data) > 0 && data[0] != 0, nil
	case FieldInt8:
		if len(data) != 1 {
			return nil, fmt.Errorf("bad i8 length %d", len(data))
		}
		return int8(data[0]), nil
	case FieldInt16:
		if len(data) != 2 {
			return nil, fmt.Errorf("bad i16 length %d", len(data))
		}
		return int16(binary.BigEndian.Uint16(data)), nil
	case FieldInt32:
		if len(data) != 4 {
			return nil, fmt.Errorf("bad i32 length %d", len(data))
		}
		return int32(binary.BigEndian.Uint32(data)), nil
	case FieldInt64:
		if len(data) != 8 {
			return nil, fmt.Errorf("bad i64 length %d", len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case FieldBytes:
		return data, nil
	case FieldString:
		return string(data), nil
	default:
		return nil, fmt.Errorf("unknown field type tag %d", t)
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
