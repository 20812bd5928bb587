// Package report defines the on-wire shape of a fault report and the two
// external collaborator interfaces (a text logger and a minidump writer)
// that internal/errorfilter hands a finished report to. Keeping Record
// independent of internal/errorfilter's own ErrorRecord avoids a cycle
// between "classify a fault" and "serialise the result of classifying a
// fault", and gives the serialised form a stable shape of its own that
// does not change every time the classifier grows a new field.
package report

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Kind mirrors errorfilter.Kind's ordinal values without importing that
// package; the two are kept in lockstep by errorfilter's own conversion
// function rather than by a shared type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHeapBufferOverflow
	KindHeapBufferUnderflow
	KindUseAfterFree
	KindDoubleFree
	KindCorruptBlock
	KindCorruptHeap
	KindWildAccess
	KindInvalidAddress
)

func (k Kind) String() string {
	switch k {
	case KindHeapBufferOverflow:
		return "HEAP_BUFFER_OVERFLOW"
	case KindHeapBufferUnderflow:
		return "HEAP_BUFFER_UNDERFLOW"
	case KindUseAfterFree:
		return "USE_AFTER_FREE"
	case KindDoubleFree:
		return "DOUBLE_FREE"
	case KindCorruptBlock:
		return "CORRUPT_BLOCK"
	case KindCorruptHeap:
		return "CORRUPT_HEAP"
	case KindWildAccess:
		return "WILD_ACCESS"
	case KindInvalidAddress:
		return "INVALID_ADDRESS"
	default:
		return "UNKNOWN_BAD_ACCESS"
	}
}

// CorruptRange is the wire form of a heapcheck.CorruptRange: one
// contiguous span of corrupt blocks found by a whole-heap scan.
type CorruptRange struct {
	Start  uint64
	End    uint64
	Blocks int
}

// Frame is one entry of a captured stack, already resolved to a function
// name and file:line so the collaborator on the other end of Logger or
// MinidumpWriter never needs symbol information of its own.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Record is the tagged, length-prefixed (in the Go sense: backed by
// slices, not a fixed C-style array) description of one fault, built
// once by errorfilter and handed unchanged to every configured sink.
type Record struct {
	Kind          Kind
	FaultAddr     uint64
	ThreadID      uint32
	Tick          uint64
	BlockBase     uint64
	BlockBodySize int
	AllocStack    []Frame
	FreeStack     []Frame
	CorruptRanges []CorruptRange
	Message       string
}

// MarshalJSON writes r as a JSON object using go-jsonstream's streaming
// writer rather than encoding/json's reflection-driven encoder, matching
// how the teacher renders its own diagnostic dumps.
func (r Record) MarshalJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()

	obj.Name("Kind").String(r.Kind.String())
	obj.Name("FaultAddr").Float64(float64(r.FaultAddr))
	obj.Name("ThreadID").Int(int(r.ThreadID))
	obj.Name("Tick").Float64(float64(r.Tick))
	if r.Message != "" {
		obj.Name("Message").String(r.Message)
	}

	if r.BlockBase != 0 {
		blockObj := obj.Name("Block").Object()
		blockObj.Name("Base").Float64(float64(r.BlockBase))
		blockObj.Name("BodySize").Int(r.BlockBodySize)
		blockObj.End()
	}

	writeStack(obj.Name("AllocStack"), r.AllocStack)
	writeStack(obj.Name("FreeStack"), r.FreeStack)

	if len(r.CorruptRanges) > 0 {
		arr := obj.Name("CorruptRanges").Array()
		for _, cr := range r.CorruptRanges {
			rangeObj := arr.Object()
			rangeObj.Name("Start").Float64(float64(cr.Start))
			rangeObj.Name("End").Float64(float64(cr.End))
			rangeObj.Name("Blocks").Int(cr.Blocks)
			rangeObj.End()
		}
		arr.End()
	}

	obj.End()
	return w.Bytes(), w.Error()
}

func writeStack(wv *jwriter.Writer, frames []Frame) {
	arr := wv.Array()
	for _, f := range frames {
		obj := arr.Object()
		obj.Name("Function").String(f.Function)
		obj.Name("File").String(f.File)
		obj.Name("Line").Int(f.Line)
		obj.End()
	}
	arr.End()
}

// Logger is the textual-diagnostics collaborator: whatever process-wide
// structured logger the host application already has. The runtime never
// constructs one itself; it is supplied from outside.
type Logger interface {
	Log(rec Record) error
}

// MinidumpWriter is the crash-dump collaborator: a component able to
// snapshot process state to disk or to a remote collector. Like Logger,
// this is an external boundary the runtime depends on but does not
// implement; production code wires it to whatever minidump facility the
// host process already uses.
type MinidumpWriter interface {
	Write(rec Record) error
}
