package models

// Transition is the job-record change an event kind maps to.
type Transition struct {
	// Status is the state the job moves to.
	Status Status
	// Progress is the target progress percentage. KeepProgress means the
	// current value is left untouched.
	Progress int
	// Failure transitions apply from any non-terminal state and ignore the
	// progress-must-advance rule.
	Failure bool
}

// KeepProgress marks transitions that do not move the progress bar.
const KeepProgress = -1

// transitions maps event kinds to their target status and progress.
// Event kind strings are duplicated from pkg/events rather than imported;
// events already depends on models for timestamps.
var transitions = map[string]Transition{
	"subtitle.download.requested":    {Status: StatusDownloadQueued, Progress: 10},
	"subtitle.download.in_progress":  {Status: StatusDownloadInProgress, Progress: 25},
	"subtitle.ready":                 {Status: StatusDone, Progress: 100},
	"subtitle.translate.requested":   {Status: StatusTranslateQueued, Progress: 60},
	"subtitle.translate.in_progress": {Status: StatusTranslateInProgress, Progress: 75},
	"subtitle.translation.completed": {Status: StatusDone, Progress: 100},
	"subtitle.translation.failed":    {Status: StatusTranslateFailed, Progress: KeepProgress, Failure: true},
	"job.failed":                     {Status: StatusFailed, Progress: KeepProgress, Failure: true},
}

// TransitionFor returns the transition an event kind triggers. Kinds with no
// status effect (audit-only events, unknown kinds) return ok=false.
func TransitionFor(eventType string) (Transition, bool) {
	t, ok := transitions[eventType]
	return t, ok
}

// Apply computes the job's next status and progress for an event, enforcing
// the lifecycle invariants: terminal states never change, progress never
// decreases, and a non-failure transition must advance progress. It returns
// ok=false when the event must be ignored.
//
// Out-of-order delivery makes stale events routine rather than exceptional:
// a download.requested arriving after download.in_progress targets progress
// 10 < 25 and is dropped as regressive.
func (j *Job) Apply(eventType string) (Status, int, bool) {
	if j.Status.IsTerminal() {
		return j.Status, j.ProgressPercentage, false
	}

	t, known := TransitionFor(eventType)
	if !known {
		return j.Status, j.ProgressPercentage, false
	}

	if t.Failure {
		return t.Status, j.ProgressPercentage, true
	}
	if t.Progress <= j.ProgressPercentage {
		return j.Status, j.ProgressPercentage, false
	}
	return t.Status, t.Progress, true
}
