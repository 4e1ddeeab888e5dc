// Package wire defines the async perf-ring record layouts that connect
// generated eBPF programs to a user-space consumer, and encodes/decodes
// them. Every record leads with a 64-bit async_id whose low byte carries
// the event class; all multi-byte fields are native-endian, matching the
// layout the generator itself emits (see internal/codegen/calls.go).
package wire

import (
	"encoding/binary"
	"fmt"
)

// AsyncClass is the event-class tag carried in the low byte of async_id.
type AsyncClass uint8

const (
	ClassPrintf AsyncClass = iota
	ClassSystem
	ClassCat
	ClassExit
	ClassJoin
	ClassTime
	ClassStrftime
	ClassPrint
	ClassPrintNonMap
	ClassClear
	ClassZero
	ClassHelperError
)

func (c AsyncClass) String() string {
	switch c {
	case ClassPrintf:
		return "printf"
	case ClassSystem:
		return "system"
	case ClassCat:
		return "cat"
	case ClassExit:
		return "exit"
	case ClassJoin:
		return "join"
	case ClassTime:
		return "time"
	case ClassStrftime:
		return "strftime"
	case ClassPrint:
		return "print"
	case ClassPrintNonMap:
		return "print_non_map"
	case ClassClear:
		return "clear"
	case ClassZero:
		return "zero"
	case ClassHelperError:
		return "helper_error"
	default:
		return fmt.Sprintf("async(%d)", uint8(c))
	}
}

// AsyncID packs a per-call-site id (high bits) and an AsyncClass (low byte),
// matching the layout the codegen's output-call lowering constructs.
func AsyncID(class AsyncClass, callSiteID uint32) uint64 {
	return uint64(callSiteID)<<8 | uint64(class)
}

// SplitAsyncID reverses AsyncID.
func SplitAsyncID(id uint64) (AsyncClass, uint32) {
	return AsyncClass(id & 0xff), uint32(id >> 8)
}

// PrintRecord is the {async, map_id, top, div} layout for print(map).
type PrintRecord struct {
	AsyncID uint64
	MapID   uint64
	Top     uint64
	Div     uint64
}

const printRecordSize = 32

func (r PrintRecord) Encode() []byte {
	b := make([]byte, printRecordSize)
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.MapID)
	binary.NativeEndian.PutUint64(b[16:24], r.Top)
	binary.NativeEndian.PutUint64(b[24:32], r.Div)
	return b
}

func DecodePrintRecord(b []byte) (PrintRecord, error) {
	if len(b) < printRecordSize {
		return PrintRecord{}, fmt.Errorf("wire: print record too short: %d bytes", len(b))
	}
	return PrintRecord{
		AsyncID: binary.NativeEndian.Uint64(b[0:8]),
		MapID:   binary.NativeEndian.Uint64(b[8:16]),
		Top:     binary.NativeEndian.Uint64(b[16:24]),
		Div:     binary.NativeEndian.Uint64(b[24:32]),
	}, nil
}

// PrintNonMapRecord is {async, id, payload} for print(scalar); Payload's
// length is the declared size of the printed expression.
type PrintNonMapRecord struct {
	AsyncID uint64
	ID      uint64
	Payload []byte
}

func (r PrintNonMapRecord) Encode() []byte {
	b := make([]byte, 16+len(r.Payload))
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.ID)
	copy(b[16:], r.Payload)
	return b
}

func DecodePrintNonMapRecord(b []byte) (PrintNonMapRecord, error) {
	if len(b) < 16 {
		return PrintNonMapRecord{}, fmt.Errorf("wire: print_non_map record too short: %d bytes", len(b))
	}
	return PrintNonMapRecord{
		AsyncID: binary.NativeEndian.Uint64(b[0:8]),
		ID:      binary.NativeEndian.Uint64(b[8:16]),
		Payload: append([]byte(nil), b[16:]...),
	}, nil
}

// MapControlRecord is {async, map_id} for clear(map)/zero(map).
type MapControlRecord struct {
	AsyncID uint64
	MapID   uint64
}

func (r MapControlRecord) Encode() []byte {
	b := make([]byte, 16)
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.MapID)
	return b
}

func DecodeMapControlRecord(b []byte) (MapControlRecord, error) {
	if len(b) < 16 {
		return MapControlRecord{}, fmt.Errorf("wire: map control record too short: %d bytes", len(b))
	}
	return MapControlRecord{
		AsyncID: binary.NativeEndian.Uint64(b[0:8]),
		MapID:   binary.NativeEndian.Uint64(b[8:16]),
	}, nil
}

// TimeRecord is {async, fmt_id} for the time() builtin.
type TimeRecord struct {
	AsyncID uint64
	FmtID   uint64
}

func (r TimeRecord) Encode() []byte {
	b := make([]byte, 16)
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.FmtID)
	return b
}

func DecodeTimeRecord(b []byte) (TimeRecord, error) {
	if len(b) < 16 {
		return TimeRecord{}, fmt.Errorf("wire: time record too short: %d bytes", len(b))
	}
	return TimeRecord{
		AsyncID: binary.NativeEndian.Uint64(b[0:8]),
		FmtID:   binary.NativeEndian.Uint64(b[8:16]),
	}, nil
}

// StrftimeRecord is {async, fmt_id, ns_timestamp}.
type StrftimeRecord struct {
	AsyncID     uint64
	FmtID       uint64
	NsTimestamp uint64
}

func (r StrftimeRecord) Encode() []byte {
	b := make([]byte, 24)
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.FmtID)
	binary.NativeEndian.PutUint64(b[16:24], r.NsTimestamp)
	return b
}

func DecodeStrftimeRecord(b []byte) (StrftimeRecord, error) {
	if len(b) < 24 {
		return StrftimeRecord{}, fmt.Errorf("wire: strftime record too short: %d bytes", len(b))
	}
	return StrftimeRecord{
		AsyncID:     binary.NativeEndian.Uint64(b[0:8]),
		FmtID:       binary.NativeEndian.Uint64(b[8:16]),
		NsTimestamp: binary.NativeEndian.Uint64(b[16:24]),
	}, nil
}

// JoinRecord is {async, id, arg0[argsize], arg1[argsize], ...} with exactly
// ArgCount fixed-width, NUL-terminated string slots.
type JoinRecord struct {
	AsyncID  uint64
	ID       uint64
	ArgSize  int
	ArgCount int
	Args     [][]byte
}

func (r JoinRecord) Encode() []byte {
	b := make([]byte, 16+r.ArgSize*r.ArgCount)
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.ID)
	for i := 0; i < r.ArgCount; i++ {
		off := 16 + i*r.ArgSize
		if i < len(r.Args) {
			n := copy(b[off:off+r.ArgSize], r.Args[i])
			_ = n
		}
	}
	return b
}

func DecodeJoinRecord(b []byte, argSize, argCount int) (JoinRecord, error) {
	want := 16 + argSize*argCount
	if len(b) < want {
		return JoinRecord{}, fmt.Errorf("wire: join record too short: got %d want %d", len(b), want)
	}
	r := JoinRecord{
		AsyncID:  binary.NativeEndian.Uint64(b[0:8]),
		ID:       binary.NativeEndian.Uint64(b[8:16]),
		ArgSize:  argSize,
		ArgCount: argCount,
	}
	for i := 0; i < argCount; i++ {
		off := 16 + i*argSize
		r.Args = append(r.Args, cstring(b[off:off+argSize]))
	}
	return r, nil
}

// ExitRecord is the bare {async} record emitted by exit().
type ExitRecord struct {
	AsyncID uint64
}

func (r ExitRecord) Encode() []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, r.AsyncID)
	return b
}

// HelperErrorRecord correlates an in-kernel helper failure with the call
// site that produced it (spec §7 class 3).
type HelperErrorRecord struct {
	AsyncID      uint64
	HelperErrorID uint64
	ReturnCode   int64
}

func (r HelperErrorRecord) Encode() []byte {
	b := make([]byte, 24)
	binary.NativeEndian.PutUint64(b[0:8], r.AsyncID)
	binary.NativeEndian.PutUint64(b[8:16], r.HelperErrorID)
	binary.NativeEndian.PutUint64(b[16:24], uint64(r.ReturnCode))
	return b
}

func DecodeHelperErrorRecord(b []byte) (HelperErrorRecord, error) {
	if len(b) < 24 {
		return HelperErrorRecord{}, fmt.Errorf("wire: helper_error record too short: %d bytes", len(b))
	}
	return HelperErrorRecord{
		AsyncID:      binary.NativeEndian.Uint64(b[0:8]),
		HelperErrorID: binary.NativeEndian.Uint64(b[8:16]),
		ReturnCode:   int64(binary.NativeEndian.Uint64(b[16:24])),
	}, nil
}

// FormatField describes one field of a printf/system/cat payload, as
// established with user space during call lowering (spec §6, "per-format
// offset table").
type FormatField struct {
	Offset int
	Size   int
	Signed bool
	IsStr  bool
}

// FormatTable maps a per-format-call id to its field layout.
type FormatTable map[uint64][]FormatField

// PackedValue is one decoded field from a printf/system/cat/print(scalar)
// record: either a signed/unsigned integer or a NUL-terminated string,
// per FormatField.IsStr.
type PackedValue struct {
	Int    int64
	Uint   uint64
	Str    []byte
	IsStr  bool
	Signed bool
}

// DecodePackedRecord splits a printf/system/cat payload (the bytes after
// the leading async_id) into its declared fields, per the offsets FieldTable
// established during call lowering (spec §6, "per-format offset table").
func DecodePackedRecord(payload []byte, fields []FormatField) ([]PackedValue, error) {
	out := make([]PackedValue, 0, len(fields))
	for _, f := range fields {
		if f.Offset+f.Size > len(payload) {
			return nil, fmt.Errorf("wire: field at offset %d size %d exceeds payload of %d bytes", f.Offset, f.Size, len(payload))
		}
		raw := payload[f.Offset : f.Offset+f.Size]
		if f.IsStr {
			out = append(out, PackedValue{Str: cstring(raw), IsStr: true})
			continue
		}
		u := decodeUint(raw)
		v := PackedValue{Uint: u, Signed: f.Signed}
		if f.Signed {
			v.Int = signExtend(u, f.Size)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeUint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.NativeEndian.Uint64(buf[:])
}

func signExtend(u uint64, size int) int64 {
	bits := uint(size) * 8
	if bits >= 64 {
		return int64(u)
	}
	shift := 64 - bits
	return int64(u<<shift) >> shift
}

func cstring(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return append([]byte(nil), b[:i]...)
		}
	}
	return append([]byte(nil), b...)
}
