// Package serializer is a reflection-driven little-endian binary codec used
// for trace records and compiled-trace metadata. Slices and maps carry a
// compact natural-number length prefix, pointers a one-byte presence tag.
package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"reflect"
	"sort"
)

// Natural is encoded with the compact variable-length format instead of a
// fixed width.
type Natural uint64

var (
	naturalType     = reflect.TypeOf(Natural(0))
	emptyStructType = reflect.TypeOf(struct{}{})

	emptyStructValue = reflect.ValueOf(struct{}{})
)

// Serialize accepts an arbitrary value or pointer and returns its []byte representation.
func Serialize(v any) []byte {
	val := reflect.ValueOf(v)

	if val.Kind() == reflect.Ptr && !val.IsNil() {
		val = val.Elem()
	}

	buf := bytes.NewBuffer(make([]byte, 0, 512))
	serializeValue(val, buf)

	return buf.Bytes()
}

// Deserialize decodes data into target, which must be a non-nil pointer.
// Trailing bytes are an error.
func Deserialize(data []byte, target any) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("deserialize target must be a non-nil pointer")
	}

	buf := bytes.NewBuffer(data)
	if err := deserializeValue(val.Elem(), buf); err != nil {
		return err
	}

	if buf.Len() > 0 {
		return fmt.Errorf("extra %d bytes left after deserialization", buf.Len())
	}

	return nil
}

func serializeValue(v reflect.Value, buf *bytes.Buffer) {
	typ := v.Type()

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			buf.WriteByte(0)
			return
		}
		buf.WriteByte(1)
		serializeValue(v.Elem(), buf)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			serializeValue(v.Field(i), buf)
		}

	case reflect.Map:
		serializeMap(v, buf)

	case reflect.Array, reflect.Slice:
		serializeSlice(v, buf)

	case reflect.String:
		s := v.String()
		buf.Write(EncodeGeneralNatural(uint64(len(s))))
		buf.WriteString(s)

	case reflect.Bool:
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

	case reflect.Float64:
		buf.Write(EncodeLittleEndian(8, math.Float64bits(v.Float())))

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		l := int(typ.Size())
		buf.Write(EncodeLittleEndian(l, SignedToUnsigned(l, v.Int())))

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if typ == naturalType {
			buf.Write(EncodeGeneralNatural(v.Uint()))
			return
		}
		buf.Write(EncodeLittleEndian(int(typ.Size()), v.Uint()))

	default:
		panic(fmt.Sprintf("unsupported kind: %s", v.Kind()))
	}
}

func deserializeValue(v reflect.Value, buf *bytes.Buffer) error {
	vType := v.Type()

	switch v.Kind() {
	case reflect.Ptr:
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read pointer tag: %w", err)
		}
		if b == 0 {
			return nil
		}
		if v.IsNil() {
			v.Set(reflect.New(vType.Elem()))
		}
		return deserializeValue(v.Elem(), buf)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := deserializeValue(v.Field(i), buf); err != nil {
				return fmt.Errorf("failed to deserialize field %s: %w", vType.Field(i).Name, err)
			}
		}
		return nil

	case reflect.Map:
		return deserializeMap(v, buf)

	case reflect.Array, reflect.Slice:
		return deserializeSlice(v, buf)

	case reflect.String:
		n, err := readNatural(buf)
		if err != nil {
			return fmt.Errorf("failed to decode string length: %w", err)
		}
		if uint64(buf.Len()) < n {
			return fmt.Errorf("string length %d exceeds remaining %d bytes", n, buf.Len())
		}
		v.SetString(string(buf.Next(int(n))))
		return nil

	case reflect.Bool:
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read bool: %w", err)
		}
		if b > 1 {
			return fmt.Errorf("invalid bool byte %d", b)
		}
		v.SetBool(b == 1)
		return nil

	case reflect.Float64:
		x, err := readFixed(buf, 8)
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(x))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		l := int(vType.Size())
		x, err := readFixed(buf, l)
		if err != nil {
			return err
		}
		v.SetInt(UnsignedToSigned(l, x))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if vType == naturalType {
			n, err := readNatural(buf)
			if err != nil {
				return err
			}
			v.SetUint(n)
			return nil
		}
		x, err := readFixed(buf, int(vType.Size()))
		if err != nil {
			return err
		}
		v.SetUint(x)
		return nil

	default:
		return fmt.Errorf("unsupported kind for deserialization: %s", v.Kind())
	}
}

func readFixed(buf *bytes.Buffer, octets int) (uint64, error) {
	var b [8]byte
	if n, _ := buf.Read(b[:octets]); n != octets {
		return 0, fmt.Errorf("failed to read %d integer bytes, got %d", octets, n)
	}
	return DecodeLittleEndian(b[:octets]), nil
}

func readNatural(buf *bytes.Buffer) (uint64, error) {
	x, n, ok := DecodeGeneralNatural(buf.Bytes())
	if !ok {
		return 0, fmt.Errorf("failed to decode natural")
	}
	buf.Next(n)
	return x, nil
}

// serializeMap writes the length and then each key-value pair in key order.
// Maps with value type struct{} are sets: only sorted keys are written.
func serializeMap(v reflect.Value, buf *bytes.Buffer) {
	keys := v.MapKeys()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch a.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return a.Uint() < b.Uint()
		case reflect.String:
			return a.String() < b.String()
		default:
			return fmt.Sprintf("%v", a.Interface()) < fmt.Sprintf("%v", b.Interface())
		}
	})

	buf.Write(EncodeGeneralNatural(uint64(v.Len())))

	isSet := v.Type().Elem() == emptyStructType
	for _, key := range keys {
		serializeValue(key, buf)
		if !isSet {
			serializeValue(v.MapIndex(key), buf)
		}
	}
}

func deserializeMap(v reflect.Value, buf *bytes.Buffer) error {
	length, err := readNatural(buf)
	if err != nil {
		return fmt.Errorf("failed to decode map length: %w", err)
	}

	typ := v.Type()
	if v.IsNil() {
		v.Set(reflect.MakeMap(typ))
	}
	isSet := typ.Elem() == emptyStructType

	for i := uint64(0); i < length; i++ {
		key := reflect.New(typ.Key()).Elem()
		if err := deserializeValue(key, buf); err != nil {
			return fmt.Errorf("failed to deserialize map key: %w", err)
		}
		if isSet {
			v.SetMapIndex(key, emptyStructValue)
			continue
		}
		value := reflect.New(typ.Elem()).Elem()
		if err := deserializeValue(value, buf); err != nil {
			return fmt.Errorf("failed to deserialize map value: %w", err)
		}
		v.SetMapIndex(key, value)
	}
	return nil
}

// serializeSlice writes a length prefix for slices (not arrays), then the
// elements. Byte slices are written in bulk.
func serializeSlice(v reflect.Value, buf *bytes.Buffer) {
	if v.Kind() == reflect.Slice {
		buf.Write(EncodeGeneralNatural(uint64(v.Len())))
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf.Write(v.Bytes())
			return
		}
	}

	for i := 0; i < v.Len(); i++ {
		serializeValue(v.Index(i), buf)
	}
}

func deserializeSlice(v reflect.Value, buf *bytes.Buffer) error {
	length := v.Len()

	if v.Kind() == reflect.Slice {
		n, err := readNatural(buf)
		if err != nil {
			return fmt.Errorf("failed to decode slice length: %w", err)
		}
		if n > uint64(buf.Len()) {
			// every element takes at least one byte
			return fmt.Errorf("slice length %d exceeds remaining %d bytes", n, buf.Len())
		}
		length = int(n)
		v.Set(reflect.MakeSlice(v.Type(), length, length))

		if v.Type().Elem().Kind() == reflect.Uint8 {
			if got, _ := buf.Read(v.Bytes()); got != length {
				return fmt.Errorf("failed to read byte slice data: want %d bytes, got %d", length, got)
			}
			return nil
		}
	}

	for i := 0; i < length; i++ {
		if err := deserializeValue(v.Index(i), buf); err != nil {
			return fmt.Errorf("failed to deserialize element %d: %w", i, err)
		}
	}
	return nil
}

// EncodeGeneralNatural encodes x in the compact format:
//  1. x == 0: a single 0x00 octet.
//  2. x < 2^56: a header octet carrying the length in leading ones, then the remainder.
//  3. Otherwise 0xFF followed by x as 8 little-endian octets.
func EncodeGeneralNatural(x uint64) []byte {
	if x == 0 {
		return []byte{0x00}
	}

	l := uint((bits.Len64(x) - 1) / 7)
	if l >= 8 {
		out := make([]byte, 9)
		out[0] = 0xFF
		binary.LittleEndian.PutUint64(out[1:], x)
		return out
	}

	header := (1 << 8) - (1 << (8 - l)) + (x >> (8 * l))
	out := []byte{byte(header)}
	if l > 0 {
		remainder := x & ((uint64(1) << (8 * l)) - 1)
		out = append(out, EncodeLittleEndian(int(l), remainder)...)
	}
	return out
}

func EncodeLittleEndian(octets int, x uint64) []byte {
	result := make([]byte, octets)
	for i := 0; i < octets; i++ {
		result[i] = byte(x)
		x >>= 8
	}
	return result
}

func countLeadingOnes(b byte) int {
	return bits.LeadingZeros8(^b)
}

func DecodeGeneralNatural(p []byte) (x uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}

	header := p[0]
	if header == 0x00 {
		return 0, 1, true
	}
	if header == 0xFF {
		if len(p) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(p[1:9]), 9, true
	}

	l := countLeadingOnes(header)
	base := byte(int(1<<8) - (1 << (8 - l)))
	high := uint64(header - base)
	if len(p) < 1+l {
		return 0, 0, false
	}
	remainder := DecodeLittleEndian(p[1 : 1+l])
	return (high << (8 * l)) | remainder, 1 + l, true
}

func DecodeLittleEndian(b []byte) uint64 {
	var x uint64
	for i, v := range b {
		x |= uint64(v) << (8 * i)
	}
	return x
}

// UnsignedToSigned reinterprets the low 8*octets bits of x as two's complement.
func UnsignedToSigned(octets int, x uint64) int64 {
	if octets <= 0 || octets > 8 {
		panic(fmt.Sprintf("unsupported octet width: %d", octets))
	}
	if octets == 8 {
		return int64(x)
	}
	shift := uint(64 - 8*octets)
	return int64(x<<shift) >> shift
}

// SignedToUnsigned maps a into [0, 2^(8*octets)).
func SignedToUnsigned(octets int, a int64) uint64 {
	if octets == 8 {
		return uint64(a)
	}
	return uint64(a) & ((uint64(1) << uint(8*octets)) - 1)
}
