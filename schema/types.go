// Package schema holds the definitions describing the payload of every block:
// an ordered list of named, primitively typed fields registered once at
// startup.
package schema

import (
	"fmt"
	"strings"
)

// Type is a field type tag. Tags are part of the replication contract and
// must never be renumbered.
type Type byte

const (
	TypeInvalid Type = iota
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeString
	TypeBytes
)

var typeNames = map[Type]string{
	TypeUint8:  "uint8",
	TypeUint16: "uint16",
	TypeUint32: "uint32",
	TypeUint64: "uint64",
	TypeInt8:   "int8",
	TypeInt16:  "int16",
	TypeInt32:  "int32",
	TypeInt64:  "int64",
	TypeString: "string",
	TypeBytes:  "bytes",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// ParseType is the inverse of Type.String.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown field type %q", name)
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Signed reports whether t is a signed integer type.
func (t Type) Signed() bool {
	return t >= TypeInt8 && t <= TypeInt64
}

// Unsigned reports whether t is an unsigned integer type.
func (t Type) Unsigned() bool {
	return t >= TypeUint8 && t <= TypeUint64
}

// Fixed reports whether t has a fixed width. Fixed width types are still
// written as varints on the wire; the width bounds their range.
func (t Type) Fixed() bool {
	return t.Signed() || t.Unsigned()
}

// Bits is the width of a fixed type, zero for strings and bytes.
func (t Type) Bits() int {
	switch t {
	case TypeUint8, TypeInt8:
		return 8
	case TypeUint16, TypeInt16:
		return 16
	case TypeUint32, TypeInt32:
		return 32
	case TypeUint64, TypeInt64:
		return 64
	}
	return 0
}

// Field is one named column of a definition.
type Field struct {
	Name string
	Type Type
}

func (f Field) String() string {
	return f.Name + ":" + f.Type.String()
}

// Uint, Int, String and Bytes are shorthands for declaring fields.
func Uint(name string, bits int) Field {
	switch bits {
	case 8:
		return Field{Name: name, Type: TypeUint8}
	case 16:
		return Field{Name: name, Type: TypeUint16}
	case 32:
		return Field{Name: name, Type: TypeUint32}
	}
	return Field{Name: name, Type: TypeUint64}
}

func Int(name string, bits int) Field {
	switch bits {
	case 8:
		return Field{Name: name, Type: TypeInt8}
	case 16:
		return Field{Name: name, Type: TypeInt16}
	case 32:
		return Field{Name: name, Type: TypeInt32}
	}
	return Field{Name: name, Type: TypeInt64}
}

func String(name string) Field {
	return Field{Name: name, Type: TypeString}
}

func Bytes(name string) Field {
	return Field{Name: name, Type: TypeBytes}
}
