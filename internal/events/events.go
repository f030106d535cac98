package events

import "encoding/json"

// Type discriminates run lifecycle events on the wire.
type Type string

const (
	TypeStarted  Type = "started"
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeFinished Type = "finished"
	TypeFailed   Type = "failed"
)

// Event is one run lifecycle event. Which fields are meaningful depends on
// Type; MarshalJSON emits only the fields that belong to the variant so the
// SSE wire format stays a tagged union.
type Event struct {
	Type  Type
	RunID string

	// started / progress
	Total uint64

	// log
	Msg string

	// progress
	Done      uint64
	CostSoFar float64

	// failed
	Error string
}

func Started(runID string, total uint64) Event {
	return Event{Type: TypeStarted, RunID: runID, Total: total}
}

func Log(runID, msg string) Event {
	return Event{Type: TypeLog, RunID: runID, Msg: msg}
}

func Progress(runID string, done, total uint64, costSoFar float64) Event {
	return Event{Type: TypeProgress, RunID: runID, Done: done, Total: total, CostSoFar: costSoFar}
}

func Finished(runID string) Event {
	return Event{Type: TypeFinished, RunID: runID}
}

func Failed(runID string, err string) Event {
	return Event{Type: TypeFailed, RunID: runID, Error: err}
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"type":   string(e.Type),
		"run_id": e.RunID,
	}
	switch e.Type {
	case TypeStarted:
		m["total"] = e.Total
	case TypeLog:
		m["msg"] = e.Msg
	case TypeProgress:
		m["done"] = e.Done
		m["total"] = e.Total
		m["cost_so_far"] = e.CostSoFar
	case TypeFailed:
		m["error"] = e.Error
	}
	return json.Marshal(m)
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Type == TypeFinished || e.Type == TypeFailed
}
