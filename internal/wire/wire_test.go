package wire

import (
	"encoding/binary"
	"testing"
)

func TestAsyncIDRoundTrip(t *testing.T) {
	id := AsyncID(ClassPrintf, 7)
	class, site := SplitAsyncID(id)
	if class != ClassPrintf {
		t.Errorf("class = %v, want printf", class)
	}
	if site != 7 {
		t.Errorf("call site = %d, want 7", site)
	}
}

func TestPrintRecordRoundTrip(t *testing.T) {
	r := PrintRecord{AsyncID: AsyncID(ClassPrint, 1), MapID: 5, Top: 10, Div: 1}
	got, err := DecodePrintRecord(r.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestJoinRecordRoundTrip(t *testing.T) {
	r := JoinRecord{
		AsyncID:  AsyncID(ClassJoin, 3),
		ID:       3,
		ArgSize:  8,
		ArgCount: 2,
		Args:     [][]byte{[]byte("ab"), []byte("cd")},
	}
	got, err := DecodeJoinRecord(r.Encode(), 8, 2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Args) != 2 || string(got.Args[0]) != "ab" || string(got.Args[1]) != "cd" {
		t.Errorf("args = %v", got.Args)
	}
}

func TestDecodeMapControlRecordTooShort(t *testing.T) {
	if _, err := DecodeMapControlRecord([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestTimeRecordRoundTrip(t *testing.T) {
	r := TimeRecord{AsyncID: AsyncID(ClassTime, 2), FmtID: 9}
	got, err := DecodeTimeRecord(r.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestDecodeTimeRecordTooShort(t *testing.T) {
	if _, err := DecodeTimeRecord([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestStrftimeRecordRoundTrip(t *testing.T) {
	r := StrftimeRecord{AsyncID: AsyncID(ClassStrftime, 1), FmtID: 4, NsTimestamp: 123456789}
	got, err := DecodeStrftimeRecord(r.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestDecodeStrftimeRecordTooShort(t *testing.T) {
	if _, err := DecodeStrftimeRecord([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestDecodePackedRecordMixedFields(t *testing.T) {
	fields := []FormatField{
		{Offset: 0, Size: 8, Signed: true},
		{Offset: 8, Size: 8, Signed: false},
		{Offset: 16, Size: 8, IsStr: true},
	}
	payload := make([]byte, 24)
	signedVal := int64(-7)
	binary.NativeEndian.PutUint64(payload[0:8], uint64(signedVal))
	binary.NativeEndian.PutUint64(payload[8:16], 42)
	copy(payload[16:24], "abc\x00\x00\x00\x00\x00")

	vals, err := DecodePackedRecord(payload, fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("got %d values, want 3", len(vals))
	}
	if vals[0].Int != -7 {
		t.Errorf("vals[0].Int = %d, want -7", vals[0].Int)
	}
	if vals[1].Uint != 42 {
		t.Errorf("vals[1].Uint = %d, want 42", vals[1].Uint)
	}
	if !vals[2].IsStr || string(vals[2].Str) != "abc" {
		t.Errorf("vals[2] = %+v, want str abc", vals[2])
	}
}

func TestDecodePackedRecordFieldOutOfBounds(t *testing.T) {
	fields := []FormatField{{Offset: 0, Size: 16}}
	if _, err := DecodePackedRecord([]byte{1, 2, 3}, fields); err == nil {
		t.Fatal("expected error for out-of-bounds field")
	}
}

func TestDecodePackedRecordSignExtendsNarrowInt(t *testing.T) {
	fields := []FormatField{{Offset: 0, Size: 1, Signed: true}}
	payload := []byte{0xFF}
	vals, err := DecodePackedRecord(payload, fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vals[0].Int != -1 {
		t.Errorf("vals[0].Int = %d, want -1", vals[0].Int)
	}
}
