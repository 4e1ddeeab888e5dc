// Package consumer decodes the perf-ring wire protocol a generated BPF
// program writes through its __events map (internal/codegen/builder.go's
// PerfEventOutput) and formats each record to an output stream. It is the
// reference user-space half of the wire format internal/wire defines;
// nothing about it is required to load or run the generated ELF object.
package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"

	"github.com/JamesMBartlett/bpftrace/internal/wire"
)

// Config controls how records are decoded and formatted.
type Config struct {
	// Formats maps a printf/system/cat/print(scalar) call-site id (the
	// high bits of async_id) to its field layout, as recorded in
	// codegen.Generator.FormatTable during compilation.
	Formats wire.FormatTable

	// MapNames maps a declared map's numeric id back to its source
	// identifier, for print(@map)/clear(@map)/zero(@map) formatting. A
	// missing entry falls back to the numeric id.
	MapNames map[uint64]string

	// JoinArgSize and JoinArgCount must match the Limits the program was
	// compiled with (services.Limits.JoinArgSize/JoinArgNum), so join()
	// records can be split back into their fixed-width string slots.
	JoinArgSize  int
	JoinArgCount int

	// PerCPUBufferSize sizes each per-CPU perf ring; zero uses the
	// cilium/ebpf default.
	PerCPUBufferSize int
}

// Run reads from the perf event array until ctx is cancelled or the
// reader is closed, decoding each sample and writing the formatted event
// to out. Lost-sample notifications are reported but do not stop the loop.
func Run(ctx context.Context, eventsMap *ebpf.Map, cfg Config, out io.Writer) error {
	rd, err := perf.NewReader(eventsMap, cfg.PerCPUBufferSize)
	if err != nil {
		return fmt.Errorf("consumer: create perf reader: %w", err)
	}
	defer rd.Close()

	go func() {
		<-ctx.Done()
		_ = rd.Close()
	}()

	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("consumer: read perf event: %w", err)
		}
		if record.LostSamples > 0 {
			fmt.Fprintf(out, "lost %d samples on cpu %d\n", record.LostSamples, record.CPU)
			continue
		}
		if err := decodeAndFormat(record.RawSample, cfg, out); err != nil {
			fmt.Fprintf(out, "decode error: %v\n", err)
		}
	}
}

// decodeAndFormat dispatches on the record's async class (spec §7's third
// error class, HelperErrorRecord, included) and writes a formatted line.
func decodeAndFormat(raw []byte, cfg Config, out io.Writer) error {
	if len(raw) < 8 {
		return fmt.Errorf("record too short: %d bytes", len(raw))
	}
	asyncID := binary.NativeEndian.Uint64(raw[0:8])
	class, callSite := wire.SplitAsyncID(asyncID)

	switch class {
	case wire.ClassPrintf, wire.ClassSystem, wire.ClassCat, wire.ClassPrintNonMap:
		id := uint64(callSite)
		if class == wire.ClassPrintNonMap {
			r, err := wire.DecodePrintNonMapRecord(raw)
			if err != nil {
				return err
			}
			id = r.ID
		}
		fields := cfg.Formats[id]
		payloadOff := 8
		if class == wire.ClassPrintNonMap {
			payloadOff = 16
		}
		vals, err := wire.DecodePackedRecord(raw[payloadOff:], shiftFields(fields, payloadOff))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s(%d): %s\n", timestamp(), class, id, formatValues(vals))
		return nil

	case wire.ClassPrint:
		r, err := wire.DecodePrintRecord(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s print(%s)\n", timestamp(), cfg.mapName(r.MapID))
		return nil

	case wire.ClassClear, wire.ClassZero:
		r, err := wire.DecodeMapControlRecord(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s(%s)\n", timestamp(), class, cfg.mapName(r.MapID))
		return nil

	case wire.ClassJoin:
		if cfg.JoinArgSize == 0 || cfg.JoinArgCount == 0 {
			fmt.Fprintf(out, "%s join(%d)\n", timestamp(), callSite)
			return nil
		}
		r, err := wire.DecodeJoinRecord(raw, cfg.JoinArgSize, cfg.JoinArgCount)
		if err != nil {
			return err
		}
		parts := make([]string, 0, len(r.Args))
		for _, a := range r.Args {
			parts = append(parts, string(a))
		}
		fmt.Fprintf(out, "%s %s\n", timestamp(), strings.Join(parts, " "))
		return nil

	case wire.ClassExit:
		fmt.Fprintf(out, "%s exit()\n", timestamp())
		return nil

	case wire.ClassTime:
		r, err := wire.DecodeTimeRecord(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s time(fmt=%d)\n", timestamp(), r.FmtID)
		return nil

	case wire.ClassStrftime:
		r, err := wire.DecodeStrftimeRecord(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s strftime(fmt=%d, ns=%d)\n", timestamp(), r.FmtID, r.NsTimestamp)
		return nil

	case wire.ClassHelperError:
		r, err := wire.DecodeHelperErrorRecord(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s helper_error(id=%d, ret=%d)\n", timestamp(), r.HelperErrorID, r.ReturnCode)
		return nil

	default:
		return fmt.Errorf("unknown async class %v", class)
	}
}

// shiftFields rebases fields recorded relative to the whole record onto a
// payload slice that starts payloadOff bytes into that record.
func shiftFields(fields []wire.FormatField, payloadOff int) []wire.FormatField {
	out := make([]wire.FormatField, len(fields))
	for i, f := range fields {
		out[i] = f
		out[i].Offset -= payloadOff
	}
	return out
}

func formatValues(vals []wire.PackedValue) string {
	s := ""
	for i, v := range vals {
		if i > 0 {
			s += ", "
		}
		switch {
		case v.IsStr:
			s += fmt.Sprintf("%q", v.Str)
		case v.Signed:
			s += fmt.Sprintf("%d", v.Int)
		default:
			s += fmt.Sprintf("%d", v.Uint)
		}
	}
	return s
}

func (cfg Config) mapName(id uint64) string {
	if name, ok := cfg.MapNames[id]; ok {
		return name
	}
	return fmt.Sprintf("map#%d", id)
}

func timestamp() string {
	return time.Now().Format(time.RFC3339Nano)
}
