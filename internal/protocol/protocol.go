// Package protocol defines the manager<->worker wire contract: tags,
// the calc_status enum, and the Work/Result payload shapes. It has no dependencies on history or registry so every other
// package can import it without a cycle.
package protocol

import "fmt"

// Tag identifies the channel a message travels on.
type Tag int

const (
	UnsetTag Tag = iota
	EvalSimTag
	EvalGenTag
	StopTag
)

func (t Tag) String() string {
	switch t {
	case EvalSimTag:
		return "EVAL_SIM"
	case EvalGenTag:
		return "EVAL_GEN"
	case StopTag:
		return "STOP"
	default:
		return "UNSET"
	}
}

// CalcType is the kind of calculation a Work unit or Result describes.
// It is always either EvalSimTag or EvalGenTag (never StopTag/UnsetTag).
type CalcType = Tag

// ManSignal is the payload carried on StopTag from manager to worker.
type ManSignal int

const (
	ManSignalNone ManSignal = iota
	ManSignalFinish
	ManSignalKill
	ManSignalReqResend
	ManSignalReqPickleDump
	PersisStop
)

func (s ManSignal) String() string {
	switch s {
	case ManSignalFinish:
		return "MAN_SIGNAL_FINISH"
	case ManSignalKill:
		return "MAN_SIGNAL_KILL"
	case ManSignalReqResend:
		return "MAN_SIGNAL_REQ_RESEND"
	case ManSignalReqPickleDump:
		return "MAN_SIGNAL_REQ_PICKLE_DUMP"
	case PersisStop:
		return "PERSIS_STOP"
	default:
		return "MAN_SIGNAL_NONE"
	}
}

// CalcStatus is the fixed enum a worker reports alongside a result.
type CalcStatus int

const (
	StatusUnset CalcStatus = iota
	StatusWorkerDone
	StatusWorkerKill
	StatusWorkerKillOnErr
	StatusWorkerKillOnTimeout
	StatusJobFailed
	StatusManSignalFinish
	StatusManSignalKill
	StatusFinishedPersistentSim
	StatusFinishedPersistentGen
)

var calcStatusNames = map[CalcStatus]string{
	StatusUnset: "UNSET",
	StatusWorkerDone: "WORKER_DONE",
	StatusWorkerKill: "WORKER_KILL",
	StatusWorkerKillOnErr: "WORKER_KILL_ON_ERR",
	StatusWorkerKillOnTimeout: "WORKER_KILL_ON_TIMEOUT",
	StatusJobFailed: "JOB_FAILED",
	StatusManSignalFinish: "MAN_SIGNAL_FINISH",
	StatusManSignalKill: "MAN_SIGNAL_KILL",
	StatusFinishedPersistentSim: "FINISHED_PERSISTENT_SIM",
	StatusFinishedPersistentGen: "FINISHED_PERSISTENT_GEN",
}

func (s CalcStatus) String() string {
	if name, ok := calcStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CalcStatus(%d)", int(s))
}

// Valid reports whether s is one of the statuses the protocol recognizes.
// An unrecognized status on receive is a transport error.
func (s CalcStatus) Valid() bool {
	_, ok := calcStatusNames[s]
	return ok
}

// ValidCalcType reports whether t is a calculation tag, as opposed to
// the control tags (StopTag, UnsetTag).
func ValidCalcType(t CalcType) bool {
	return t == EvalSimTag || t == EvalGenTag
}

// Row is a single record shipped between manager and worker: the set
// of history-table fields requested, keyed by column name.
type Row map[string]any

// WorkInfo carries the optional extra fields describing a Work unit.
type WorkInfo struct {
	Persistent bool
	Blocking []int // worker ids reserved for the duration of this unit
	HRows []int // row indices shipped alongside (mirrors Work.HRows)
}

// Work is a single dispatch record produced by an allocator.
type Work struct {
	Tag CalcType
	HFields []string
	HRows []int
	Persistent bool
	Blocking []int
	PersisInfo map[string]any
}

// Info returns the auxiliary work-info view shipped alongside a result.
func (w Work) Info() WorkInfo {
	return WorkInfo{Persistent: w.Persistent, Blocking: w.Blocking, HRows: w.HRows}
}

// Result is what a worker sends back on completion of a Work unit, or
// as an intermediate message from a persistent session.
type Result struct {
	CalcType CalcType
	CalcStatus CalcStatus
	CalcOut []Row
	Info WorkInfo
	PersisInfo map[string]any
}

// PersisInfo is the manager-owned mapping worker_id -> opaque scratch,
// carried end-to-end and returned to the caller. Never mutate worker
// w's entry from outside w's result-ingest path or from an allocator.
type PersisInfo map[int]map[string]any

// Clone returns a deep-enough copy for handing to an allocator: callers
// must not observe mutation of the live map while a read is in flight.
func (p PersisInfo) Clone() PersisInfo {
	out := make(PersisInfo, len(p))
	for w, blob := range p {
		copied := make(map[string]any, len(blob))
		for k, v := range blob {
			copied[k] = v
		}
		out[w] = copied
	}
	return out
}
