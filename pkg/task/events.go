package task

import "time"

// Event codes emitted by the core (spec.md §6).
const (
	CodeReactiveTaskStarted              = "CODE_REACTIVE_TASK_STARTED"
	CodeReactiveTaskFinished             = "CODE_REACTIVE_TASK_FINISHED"
	CodeReactiveTaskFailed               = "CODE_REACTIVE_TASK_FAILED"
	CodeReactiveTaskPlannerStarted       = "CODE_REACTIVE_TASK_PLANNER_STARTED"
	CodeReactiveTaskStreamError          = "CODE_REACTIVE_TASK_STREAM_ERROR"
	CodeReactiveTaskReconciliationStart  = "CODE_REACTIVE_TASK_RECONCILIATION_STARTED"
	CodeReactiveTaskReconciliationDone   = "CODE_REACTIVE_TASK_RECONCILIATION_FINISHED"
	CodeReactiveTaskCleanup             = "CODE_REACTIVE_TASK_CLEANUP"
	CodeManualTrigger                   = "CODE_MANUAL_TRIGGER"
)

// Info is an observability event: a message plus arbitrary scalar/Date
// fields, emitted through the onInfo sink (spec.md §6).
type Info struct {
	Message string
	Code    string
	Fields  map[string]any
	At      time.Time
}

// NewInfo builds an Info event, stamping At and merging fields.
func NewInfo(code, message string, fields map[string]any) Info {
	if fields == nil {
		fields = map[string]any{}
	}
	return Info{Message: message, Code: code, Fields: fields, At: time.Now()}
}

// OnErrorFunc is the observability sink for errors (spec.md §6 onError).
type OnErrorFunc func(error)

// OnInfoFunc is the observability sink for informational events (spec.md §6 onInfo).
type OnInfoFunc func(Info)

// Sinks bundles the two observability callbacks a Scheduler is configured
// with. Either may be nil, in which case events are dropped.
type Sinks struct {
	OnError OnErrorFunc
	OnInfo  OnInfoFunc
}

func (s Sinks) Error(err error) {
	if err != nil && s.OnError != nil {
		s.OnError(err)
	}
}

func (s Sinks) Info(ev Info) {
	if s.OnInfo != nil {
		s.OnInfo(ev)
	}
}
