// Package recognize is the parallel recognition engine: every detected
// plate region becomes a Job that runs crop -> OCR -> validation -> match
// check under a bounded concurrency slot, and the first job to validate a
// target match aborts everything else in flight.
package recognize

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/routecall/routecall/pkg/match"
	"github.com/routecall/routecall/pkg/nn"
	"github.com/routecall/routecall/server/ocr"
	"github.com/routecall/routecall/server/session"
)

// DefaultMaxParallel bounds concurrently-running jobs. OCR calls are
// I/O-bound, so this is about not flooding the OCR service, not about CPU.
const DefaultMaxParallel = 10

// OCRService is the slice of the OCR client the engine needs.
type OCRService interface {
	Recognize(ctx context.Context, jpeg []byte) (*ocr.Result, error)
}

// Announcer produces the audible announcement side effect.
type Announcer interface {
	Announce(ctx context.Context, identifier string)
}

// Engine schedules recognition jobs. Running jobs are bounded by a counting
// semaphore; overflow waits in a FIFO queue. When any job reaches a terminal
// state its slot is released and the oldest queued job starts.
type Engine struct {
	log         logs.Log
	ocr         OCRService
	announcer   Announcer
	maxParallel int

	// OnMatch is invoked the instant a job wins the match race, before the
	// global abort and before the announcement. Used to record timing.
	OnMatch func(identifier string, latency time.Duration)

	// OnJobDone is invoked after a job that actually ran reaches a terminal
	// state. Jobs purged from the queue don't trigger it.
	OnJobDone func(job *Job, result Result)

	lock    sync.Mutex
	running int
	queue   []*Job
}

func NewEngine(log logs.Log, ocrService OCRService, announcer Announcer, maxParallel int) *Engine {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Engine{
		log:         log,
		ocr:         ocrService,
		announcer:   announcer,
		maxParallel: maxParallel,
	}
}

// Submit enters a job into the engine: it starts immediately if a slot is
// free, otherwise it waits in the queue. The returned Job's Done channel
// delivers the terminal result.
// The job holds its session, so a job from a replaced session runs against
// the session it was created for, never the new one.
func (e *Engine) Submit(sess *session.State, image []byte, identity uint64, det nn.Detection) *Job {
	job := newJob(sess, image, identity, det)
	e.lock.Lock()
	if e.running < e.maxParallel {
		e.running++
		job.setState(JobRunning)
		e.lock.Unlock()
		go e.run(job)
	} else {
		e.queue = append(e.queue, job)
		e.lock.Unlock()
	}
	return job
}

// Busy returns the number of running and queued jobs.
func (e *Engine) Busy() (running, queued int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.running, len(e.queue)
}

// run executes the job pipeline inside a concurrency slot. The slot release
// in the deferred finish is unconditional: a leaked slot would wedge the
// queue forever.
func (e *Engine) run(job *Job) {
	defer e.finish(job)
	result := e.process(job)
	job.resolve(result)
	if e.OnJobDone != nil {
		e.OnJobDone(job, result)
	}
}

func (e *Engine) process(job *Job) Result {
	sess := job.sess

	// Pre-check: somebody already won, don't waste an OCR call
	if sess.MatchFound() || sess.Ctx().Err() != nil {
		return Result{State: JobAborted}
	}

	result, err := e.ocr.Recognize(sess.Ctx(), job.Image)
	if err != nil {
		if errors.Is(err, context.Canceled) || sess.Ctx().Err() != nil {
			return Result{State: JobAborted}
		}
		// A failed OCR call is this job's problem alone
		e.log.Errorf("OCR request failed: %v", err)
		return Result{State: JobFailed, Err: err}
	}

	// Post-check: a match may have landed while we were waiting on the network
	if sess.MatchFound() {
		return Result{State: JobAborted, Text: result.Text, Words: result.Words}
	}

	matched := match.NoMatch
	if result.Success {
		matched = match.Validate(result.Text, result.Words, sess.Whitelist())
	}
	if matched == match.NoMatch {
		return Result{State: JobCompleted, Text: result.Text, Words: result.Words}
	}

	e.matchFound(sess, job, matched)
	return Result{State: JobCompleted, Text: result.Text, Words: result.Words, Matched: matched}
}

// matchFound handles a validated identifier. Exactly one job per session
// wins the flag race and issues the global abort, but every job that
// validated the same identifier before the flag landed reaches the
// announcement gate, where the announced-set lets only the first through.
func (e *Engine) matchFound(sess *session.State, job *Job, identifier string) {
	if !sess.IsTarget(identifier) {
		e.log.Infof("Recognized '%v', not a target", identifier)
		return
	}

	if sess.SetMatchFound() {
		if e.OnMatch != nil {
			e.OnMatch(identifier, time.Since(job.submittedAt))
		}
		e.abortAll(sess)
	}

	if sess.MarkAnnounced(identifier) {
		e.log.Infof("Target '%v' matched, announcing", identifier)
		// The session context is already cancelled by the abort, so the
		// announcement runs on its own context
		e.announcer.Announce(context.Background(), identifier)
	}
}

// abortAll cancels every running job's OCR call via the session context and
// purges the session's queued jobs, resolving each as aborted.
func (e *Engine) abortAll(sess *session.State) {
	sess.Cancel()

	e.lock.Lock()
	var purged []*Job
	keep := e.queue[:0]
	for _, queued := range e.queue {
		if queued.sess == sess {
			purged = append(purged, queued)
		} else {
			keep = append(keep, queued)
		}
	}
	e.queue = keep
	e.lock.Unlock()

	for _, p := range purged {
		p.resolve(Result{State: JobAborted})
	}
}

// finish releases the job's slot and starts as many queued jobs as capacity
// allows.
func (e *Engine) finish(job *Job) {
	e.lock.Lock()
	e.running--
	var start []*Job
	for e.running < e.maxParallel && len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.running++
		next.setState(JobRunning)
		start = append(start, next)
	}
	e.lock.Unlock()
	for _, next := range start {
		go e.run(next)
	}
}
