package ingest

import (
	"time"

	"github.com/tabulake/tabulake/pkg/types"
)

// State is a step of the per-event ingestion state machine. States are
// entered strictly in declaration order; StateFailed is terminal and can
// follow any of them.
type State int

const (
	StateReceived State = iota
	StateFetched
	StateFlattened
	StateReconciled
	StateWritten
	StateRegistered
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateReceived:   "received",
	StateFetched:    "fetched",
	StateFlattened:  "flattened",
	StateReconciled: "reconciled",
	StateWritten:    "written",
	StateRegistered: "registered",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Outcome reports how an event was processed.
type Outcome struct {
	Event Event
	Table types.TableIdentity
	// Partition is the derived partition key ("" if routing failed).
	Partition string
	// State is StateDone or StateFailed.
	State State
	// Reached is the last state entered before a failure.
	Reached State
	// Err is the terminal error of a failed event.
	Err error
	// Attempts is the number of attempts made.
	Attempts int
	// Rows is the number of flattened rows.
	Rows int64
	// Schema is the table schema after the event.
	Schema types.TableSchema
	// SchemaChanged is true when the event published a new schema version.
	SchemaChanged bool
	// Write is the result of the partition write, if one succeeded.
	Write *types.WriteResult
	// RegistrationOnly is true when every file already existed, so the
	// event only (re)registered them.
	RegistrationOnly bool
	// Aborted lists files removed after a failed write.
	Aborted []string
	Duration time.Duration
}

// Succeeded reports whether the event reached StateDone.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.State == StateDone
}

// DurableWrite reports whether a failed event left written but unpublished
// files that a redelivery will register without rewriting.
func (o *Outcome) DurableWrite() bool {
	return o != nil && o.State == StateFailed && o.Reached == StateWritten && o.Write != nil && len(o.Aborted) == 0
}
