package recognize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/routecall/routecall/pkg/nn"
	"github.com/routecall/routecall/server/ocr"
	"github.com/routecall/routecall/server/session"
	"github.com/stretchr/testify/require"
)

type scriptedOCR struct {
	fn    func(ctx context.Context, jpeg []byte) (*ocr.Result, error)
	calls atomic.Int32
}

func (s *scriptedOCR) Recognize(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
	s.calls.Add(1)
	return s.fn(ctx, jpeg)
}

type recordingAnnouncer struct {
	lock      sync.Mutex
	announced []string
}

func (a *recordingAnnouncer) Announce(ctx context.Context, identifier string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.announced = append(a.announced, identifier)
}

func (a *recordingAnnouncer) all() []string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]string{}, a.announced...)
}

func textResult(text string) *ocr.Result {
	return &ocr.Result{Success: true, Text: text}
}

func TestConcurrencyBound(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 10)
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		started <- struct{}{}
		<-gate
		return textResult("nothing"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 2)
	sess := session.NewState("q1", []string{"50"}, []string{"50"})

	jobs := []*Job{}
	for i := 0; i < 5; i++ {
		jobs = append(jobs, engine.Submit(sess, []byte("img"), uint64(i), nn.Detection{}))
	}

	// Only two may run at once, the rest wait in FIFO order
	<-started
	<-started
	running, queued := engine.Busy()
	require.Equal(t, 2, running)
	require.Equal(t, 3, queued)
	require.Equal(t, JobQueued, jobs[4].State())

	close(gate)
	for _, job := range jobs {
		r := <-job.Done()
		require.Equal(t, JobCompleted, r.State)
	}
	require.EqualValues(t, 5, ocrSvc.calls.Load())
	require.Empty(t, ann.all())
}

// Two detections of the same bus resolve concurrently: both validate a
// match, but exactly one announcement fires.
func TestSingleAnnouncement(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		started <- struct{}{}
		<-gate
		return textResult("50"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 10)
	sess := session.NewState("q1", []string{"50"}, []string{"50", "51"})

	j1 := engine.Submit(sess, []byte("a"), 1, nn.Detection{})
	j2 := engine.Submit(sess, []byte("b"), 2, nn.Detection{})
	<-started
	<-started
	close(gate)

	r1 := <-j1.Done()
	r2 := <-j2.Done()
	require.Equal(t, []string{"50"}, ann.all())
	require.True(t, sess.MatchFound())
	// One job carries the match; the other either also completed or was
	// aborted at its post-OCR check, depending on who won the race
	states := []JobState{r1.State, r2.State}
	require.Contains(t, states, JobCompleted)
}

func TestAbortPurgesQueue(t *testing.T) {
	gate := make(chan struct{})
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		<-gate
		return textResult("50"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 1)
	sess := session.NewState("q1", []string{"50"}, []string{"50"})

	j1 := engine.Submit(sess, []byte("a"), 1, nn.Detection{})
	j2 := engine.Submit(sess, []byte("b"), 2, nn.Detection{})
	j3 := engine.Submit(sess, []byte("c"), 3, nn.Detection{})
	close(gate)

	require.Equal(t, JobCompleted, (<-j1.Done()).State)
	// The queued jobs never ran: purged by the global abort
	require.Equal(t, JobAborted, (<-j2.Done()).State)
	require.Equal(t, JobAborted, (<-j3.Done()).State)
	require.EqualValues(t, 1, ocrSvc.calls.Load())
	require.Equal(t, []string{"50"}, ann.all())
}

// A job waiting on a slow OCR call gets its request cancelled when another
// job finds the match.
func TestAbortMidFlight(t *testing.T) {
	started := make(chan struct{})
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		if string(jpeg) == "slow" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		<-started
		return textResult("50"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 10)
	sess := session.NewState("q1", []string{"50"}, []string{"50"})

	slow := engine.Submit(sess, []byte("slow"), 1, nn.Detection{})
	fast := engine.Submit(sess, []byte("fast"), 2, nn.Detection{})

	require.Equal(t, JobCompleted, (<-fast.Done()).State)
	require.Equal(t, JobAborted, (<-slow.Done()).State)
	require.Equal(t, []string{"50"}, ann.all())
}

// One job's network failure never blocks other jobs, and never escalates.
func TestFailureIsolation(t *testing.T) {
	boom := errors.New("connection refused")
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		if string(jpeg) == "bad" {
			return nil, boom
		}
		return textResult("no plate here"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 2)
	sess := session.NewState("q1", []string{"50"}, []string{"50"})

	bad := engine.Submit(sess, []byte("bad"), 1, nn.Detection{})
	good := engine.Submit(sess, []byte("good"), 2, nn.Detection{})

	rBad := <-bad.Done()
	require.Equal(t, JobFailed, rBad.State)
	require.ErrorIs(t, rBad.Err, boom)
	require.Equal(t, JobCompleted, (<-good.Done()).State)
	require.Empty(t, ann.all())

	// The failed job released its slot
	require.Eventually(t, func() bool {
		running, queued := engine.Busy()
		return running == 0 && queued == 0
	}, time.Second, time.Millisecond)
}

// A whitelisted identifier that isn't a target validates but never announces.
func TestNonTargetMatch(t *testing.T) {
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		return textResult("50"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 10)
	sess := session.NewState("q1", []string{"51"}, []string{"50", "51"})

	r := <-engine.Submit(sess, []byte("img"), 1, nn.Detection{}).Done()
	require.Equal(t, JobCompleted, r.State)
	require.Equal(t, "50", r.Matched)
	require.False(t, sess.MatchFound())
	require.Empty(t, ann.all())
}

func TestPreCheckSkipsOCR(t *testing.T) {
	ocrSvc := &scriptedOCR{fn: func(ctx context.Context, jpeg []byte) (*ocr.Result, error) {
		return textResult("50"), nil
	}}
	ann := &recordingAnnouncer{}
	engine := NewEngine(logs.NewTestingLog(t), ocrSvc, ann, 10)
	sess := session.NewState("q1", []string{"50"}, []string{"50"})
	sess.SetMatchFound()

	r := <-engine.Submit(sess, []byte("img"), 1, nn.Detection{}).Done()
	require.Equal(t, JobAborted, r.State)
	require.EqualValues(t, 0, ocrSvc.calls.Load())

	// Give the deferred slot release a moment
	require.Eventually(t, func() bool {
		running, _ := engine.Busy()
		return running == 0
	}, time.Second, time.Millisecond)
}
