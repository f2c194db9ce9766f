package comm

import (
	"fmt"
	"sync"
)

// FieldType enumerates the scalar types a MessageType's fields may declare.
type FieldType int

const (
	FieldBool FieldType = iota
	FieldInt8
	FieldInt16
	FieldInt32
	FieldInt64
	FieldBytes
	FieldString
)

func (t FieldType) String() string {
	switch t {
	case FieldBool:
		return "bool"
	case FieldInt8:
		return "i8"
	case FieldInt16:
		return "i16"
	case FieldInt32:
		return "i32"
	case FieldInt64:
		return "i64"
	case FieldBytes:
		return "bytes"
	case FieldString:
		return "string"
	default:
		return "unknown"
	}
}

func fieldTypeOf(value any) (FieldType, bool) {
	switch value.(type) {
	case bool:
		return FieldBool, true
	case int8:
		return FieldInt8, true
	case int16:
		return FieldInt16, true
	case int32:
		return FieldInt32, true
	case int64, uint64:
		return FieldInt64, true
	case []byte:
		return FieldBytes, true
	case string:
		return FieldString, true
	default:
		return 0, false
	}
}

// MessageType is a named, immutable, process-global schema: a field name maps
// to exactly one declared scalar type. Two calls to NewMessageType with the
// same name return the same instance, mirroring Freenet's static DMT message
// catalogue.
type MessageType struct {
	name   string
	fields map[string]FieldType
}

var (
	messageTypeRegistryMutex sync.Mutex
	messageTypeRegistry      = map[string]*MessageType{}
)

// NewMessageType registers (or returns the existing registration for) a
// message type with the given field schema. Re-registering the same name
// with a different schema is a programmer error and panics, since the schema
// is supposed to be process-global and immutable.
func NewMessageType(name string, fields map[string]FieldType) *MessageType {
	messageTypeRegistryMutex.Lock()
	defer messageTypeRegistryMutex.Unlock()

	if existing, ok := messageTypeRegistry[name]; ok {
		if !sameSchema(existing.fields, fields) {
			panic(fmt.Sprintf("message type %s re-registered with a different schema", name))
		}
		return existing
	}
	fieldsCopy := make(map[string]FieldType, len(fields))
	for k, v := range fields {
		fieldsCopy[k] = v
	}
	mt := &MessageType{name: name, fields: fieldsCopy}
	messageTypeRegistry[name] = mt
	return mt
}

func sameSchema(a, b map[string]FieldType) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (t *MessageType) Name() string {
	return t.name
}

// FieldType returns the declared type of name and whether it is declared.
func (t *MessageType) FieldType(name string) (FieldType, bool) {
	ft, ok := t.fields[name]
	return ft, ok
}

// CheckType reports whether value's runtime type matches name's declared
// scalar type. Fields not declared on the type are accepted to allow
// transitional/extension fields; setField's caller decides strictness.
func (t *MessageType) CheckType(name string, value any) bool {
	declared, ok := t.fields[name]
	if !ok {
		return true
	}
	got, ok := fieldTypeOf(value)
	if !ok {
		return false
	}
	return got == declared
}

// Message is a tagged record: a MessageType, its field values, and the peer
// and boot id it arrived from (zero value for locally-constructed outbound
// messages prior to addressing).
type Message struct {
	Type   *MessageType
	Fields map[string]any
	Source PeerContext
	BootId uint64
}

func NewMessage(t *MessageType) *Message {
	return &Message{
		Type:   t,
		Fields: map[string]any{},
	}
}

func (m *Message) Set(name string, value any) *Message {
	m.Fields[name] = value
	return m
}

func (m *Message) IsSet(name string) bool {
	_, ok := m.Fields[name]
	return ok
}

func (m *Message) Get(name string) (any, bool) {
	v, ok := m.Fields[name]
	return v, ok
}

func (m *Message) GetUint64(name string) uint64 {
	v, _ := m.Fields[name].(uint64)
	return v
}

func (m *Message) GetInt32(name string) int32 {
	v, _ := m.Fields[name].(int32)
	return v
}

func (m *Message) GetInt64(name string) int64 {
	v, _ := m.Fields[name].(int64)
	return v
}

func (m *Message) GetBytes(name string) []byte {
	v, _ := m.Fields[name].([]byte)
	return v
}

func (m *Message) GetString(name string) string {
	v, _ := m.Fields[name].(string)
	return v
}
