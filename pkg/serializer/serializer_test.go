package serializer

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGeneralNaturalBoundaries(t *testing.T) {
	tests := []struct {
		x    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x80}},
		{1 << 14, []byte{0xC0, 0x00, 0x40}},
		{1 << 56, []byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		got := EncodeGeneralNatural(tt.x)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeGeneralNatural(%d) = %x, want %x", tt.x, got, tt.want)
		}
		back, n, ok := DecodeGeneralNatural(got)
		if !ok || n != len(got) || back != tt.x {
			t.Errorf("DecodeGeneralNatural(%x) = %d, %d, %v", got, back, n, ok)
		}
	}
}

func TestSignedConversion(t *testing.T) {
	if got := UnsignedToSigned(1, 0xFF); got != -1 {
		t.Errorf("UnsignedToSigned(1, 0xFF) = %d, want -1", got)
	}
	if got := SignedToUnsigned(2, -2); got != 0xFFFE {
		t.Errorf("SignedToUnsigned(2, -2) = %#x, want 0xfffe", got)
	}
	if got := UnsignedToSigned(4, 0x7FFFFFFF); got != 0x7FFFFFFF {
		t.Errorf("UnsignedToSigned(4, max) = %d", got)
	}
}

type nested struct {
	Name  string
	Width Natural
	Tags  map[string]int32
	Next  *nested
}

type record struct {
	ID     int64
	Flag   bool
	Ratio  float64
	Blob   []byte
	Items  []nested
	Unused *nested
}

func TestSerializeNestedRecord(t *testing.T) {
	in := record{
		ID:    -42,
		Flag:  true,
		Ratio: 2.5,
		Blob:  []byte{1, 2, 3},
		Items: []nested{
			{Name: "a", Width: 300, Tags: map[string]int32{"x": -1, "y": 7}},
			{Name: "b", Next: &nested{Name: "c"}},
		},
	}
	data := Serialize(&in)

	var out record
	if err := Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	// an empty map decodes as a non-nil empty map
	want := in
	want.Items[1].Tags = map[string]int32{}
	want.Items[1].Next.Tags = map[string]int32{}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	data := append(Serialize(int32(5)), 0)
	var v int32
	if err := Deserialize(data, &v); err == nil {
		t.Fatal("expected error for trailing byte")
	}
}
