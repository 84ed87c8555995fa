package recognize

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/routecall/routecall/pkg/nn"
	"github.com/routecall/routecall/server/session"
)

type JobState int32

const (
	JobQueued JobState = iota
	JobRunning
	JobCompleted // Ran to completion, with or without a match
	JobAborted   // Purged from the queue, or cancelled before/during the OCR call
	JobFailed    // OCR call failed
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobAborted:
		return "aborted"
	case JobFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the terminal outcome of a job.
type Result struct {
	State   JobState
	Text    string   // Raw OCR text, if we got that far
	Words   []string // Individually recognized words, if the OCR service segments
	Matched string   // Validated identifier, or empty
	Err     error    // Set only when State is JobFailed
}

// Job is one unit of recognition work: a cropped plate region on its way
// through OCR, validation, and the match check.
type Job struct {
	Image     []byte       // JPEG crop
	Identity  uint64       // Object identity of the detection, for dedup bookkeeping
	Detection nn.Detection // The detection that produced this crop

	sess        *session.State
	submittedAt time.Time
	state       atomic.Int32
	resolveOnce sync.Once
	done        chan Result
}

func newJob(sess *session.State, image []byte, identity uint64, det nn.Detection) *Job {
	return &Job{
		Image:       image,
		Identity:    identity,
		Detection:   det,
		sess:        sess,
		submittedAt: time.Now(),
		done:        make(chan Result, 1),
	}
}

// Done delivers the job's terminal Result exactly once.
func (j *Job) Done() <-chan Result {
	return j.done
}

// Session is the session this job was submitted under.
func (j *Job) Session() *session.State {
	return j.sess
}

func (j *Job) State() JobState {
	return JobState(j.state.Load())
}

func (j *Job) setState(s JobState) {
	j.state.Store(int32(s))
}

func (j *Job) resolve(r Result) {
	j.resolveOnce.Do(func() {
		j.setState(r.State)
		j.done <- r
	})
}
