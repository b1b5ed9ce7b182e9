package schema

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash"
	"github.com/freehandle/ledger/wire"
)

// Values maps field names to Go values. Decoded values are uint64 for
// unsigned fields, int64 for signed fields, string and []byte.
type Values map[string]any

// Definition is the compiled, immutable schema of one entity type.
type Definition struct {
	ID          uint32
	Name        string
	Fields      []Field
	fingerprint uint64
	positions   map[string]int
}

func compile(id uint32, name string, fields []Field) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("definition name cannot be empty")
	}
	positions := make(map[string]int, len(fields))
	copied := make([]Field, len(fields))
	for n, field := range fields {
		if field.Name == "" {
			return nil, fmt.Errorf("definition %s: field %d has no name", name, n)
		}
		if !field.Type.Valid() {
			return nil, fmt.Errorf("definition %s: field %s has invalid type %v", name, field.Name, field.Type)
		}
		if _, ok := positions[field.Name]; ok {
			return nil, fmt.Errorf("definition %s: field %s declared twice", name, field.Name)
		}
		positions[field.Name] = n
		copied[n] = field
	}
	definition := &Definition{
		ID:        id,
		Name:      name,
		Fields:    copied,
		positions: positions,
	}
	canonical, err := wire.Default.Encode(func(w *wire.Writer) error {
		w.PutString(name)
		w.PutUvarint(uint64(len(copied)))
		for _, field := range copied {
			w.PutString(field.Name)
			w.PutByte(byte(field.Type))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	definition.fingerprint = xxhash.Sum64(canonical)
	return definition, nil
}

// Fingerprint identifies the exact field layout. Two processes can only
// exchange blocks of a definition when fingerprints match.
func (d *Definition) Fingerprint() uint64 {
	return d.fingerprint
}

// Field returns the field named name.
func (d *Definition) Field(name string) (Field, bool) {
	n, ok := d.positions[name]
	if !ok {
		return Field{}, false
	}
	return d.Fields[n], true
}

func (d *Definition) sameLayout(fields []Field) bool {
	if len(fields) != len(d.Fields) {
		return false
	}
	for n, field := range fields {
		if field != d.Fields[n] {
			return false
		}
	}
	return true
}

// Encode writes values in definition order. Missing fields are encoded as
// their zero value; unknown fields and out of range numbers are errors.
func (d *Definition) Encode(values Values) ([]byte, error) {
	for name := range values {
		if _, ok := d.positions[name]; !ok {
			return nil, fmt.Errorf("%w: %s has no field %s", ErrInvalidValue, d.Name, name)
		}
	}
	return wire.Default.Encode(func(w *wire.Writer) error {
		return d.EncodeTo(w, values)
	})
}

// EncodeTo writes values on a pooled writer.
func (d *Definition) EncodeTo(w *wire.Writer, values Values) error {
	for _, field := range d.Fields {
		value := values[field.Name]
		switch {
		case field.Type.Unsigned():
			v, err := toUint(value, field)
			if err != nil {
				return err
			}
			w.PutUvarint(v)
		case field.Type.Signed():
			v, err := toInt(value, field)
			if err != nil {
				return err
			}
			w.PutVarint(v)
		case field.Type == TypeString:
			switch v := value.(type) {
			case nil:
				w.PutString("")
			case string:
				w.PutString(v)
			case []byte:
				w.PutBytes(v)
			default:
				return fmt.Errorf("%w: field %s wants string, got %T", ErrInvalidValue, field.Name, value)
			}
		case field.Type == TypeBytes:
			switch v := value.(type) {
			case nil:
				w.PutBytes(nil)
			case []byte:
				w.PutBytes(v)
			case string:
				w.PutString(v)
			default:
				return fmt.Errorf("%w: field %s wants bytes, got %T", ErrInvalidValue, field.Name, value)
			}
		}
	}
	return nil
}

// Decode parses a payload produced by Encode. The whole payload must be
// consumed.
func (d *Definition) Decode(payload []byte) (Values, error) {
	r := wire.NewReader(payload)
	values := make(Values, len(d.Fields))
	for _, field := range d.Fields {
		switch {
		case field.Type.Unsigned():
			v := r.Uvarint()
			if bits := field.Type.Bits(); bits < 64 && v>>bits != 0 {
				return nil, fmt.Errorf("%w: field %s overflows %s", wire.ErrCorrupt, field.Name, field.Type)
			}
			values[field.Name] = v
		case field.Type.Signed():
			v := r.Varint()
			if !fitsSigned(v, field.Type.Bits()) {
				return nil, fmt.Errorf("%w: field %s overflows %s", wire.ErrCorrupt, field.Name, field.Type)
			}
			values[field.Name] = v
		case field.Type == TypeString:
			values[field.Name] = r.Text()
		case field.Type == TypeBytes:
			b := r.Bytes()
			values[field.Name] = append([]byte{}, b...)
		}
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("definition %s: %w", d.Name, err)
	}
	return values, nil
}

// Validate checks that payload decodes under the definition.
func (d *Definition) Validate(payload []byte) error {
	_, err := d.Decode(payload)
	return err
}

func fitsSigned(v int64, bits int) bool {
	if bits >= 64 {
		return true
	}
	limit := int64(1) << (bits - 1)
	return v >= -limit && v < limit
}

func toUint(value any, field Field) (uint64, error) {
	var v uint64
	switch n := value.(type) {
	case nil:
		return 0, nil
	case uint:
		v = uint64(n)
	case uint8:
		v = uint64(n)
	case uint16:
		v = uint64(n)
	case uint32:
		v = uint64(n)
	case uint64:
		v = n
	case int, int8, int16, int32, int64:
		signed, _ := toInt(n, Field{Name: field.Name, Type: TypeInt64})
		if signed < 0 {
			return 0, fmt.Errorf("%w: field %s cannot hold %d", ErrInvalidValue, field.Name, signed)
		}
		v = uint64(signed)
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= 1<<64 {
			return 0, fmt.Errorf("%w: field %s cannot hold %v", ErrInvalidValue, field.Name, n)
		}
		v = uint64(n)
	default:
		return 0, fmt.Errorf("%w: field %s wants %s, got %T", ErrInvalidValue, field.Name, field.Type, value)
	}
	if bits := field.Type.Bits(); bits < 64 && v>>bits != 0 {
		return 0, fmt.Errorf("%w: field %s cannot hold %d", ErrInvalidValue, field.Name, v)
	}
	return v, nil
}

func toInt(value any, field Field) (int64, error) {
	var v int64
	switch n := value.(type) {
	case nil:
		return 0, nil
	case int:
		v = int64(n)
	case int8:
		v = int64(n)
	case int16:
		v = int64(n)
	case int32:
		v = int64(n)
	case int64:
		v = n
	case uint, uint8, uint16, uint32, uint64:
		unsigned, _ := toUint(n, Field{Name: field.Name, Type: TypeUint64})
		if unsigned > math.MaxInt64 {
			return 0, fmt.Errorf("%w: field %s cannot hold %d", ErrInvalidValue, field.Name, unsigned)
		}
		v = int64(unsigned)
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= 1<<63 {
			return 0, fmt.Errorf("%w: field %s cannot hold %v", ErrInvalidValue, field.Name, n)
		}
		v = int64(n)
	default:
		return 0, fmt.Errorf("%w: field %s wants %s, got %T", ErrInvalidValue, field.Name, field.Type, value)
	}
	if !fitsSigned(v, field.Type.Bits()) {
		return 0, fmt.Errorf("%w: field %s cannot hold %d", ErrInvalidValue, field.Name, v)
	}
	return v, nil
}
