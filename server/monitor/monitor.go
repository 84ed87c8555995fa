// Package monitor drives the sampling loop: grab a frame, find plate
// regions, and hand each new region to the recognition engine. The loop
// adapts its sampling rate to how fast the device can actually process
// frames.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/routecall/routecall/pkg/nn"
	"github.com/routecall/routecall/pkg/perfstats"
	"github.com/routecall/routecall/server/recognize"
	"github.com/routecall/routecall/server/session"
)

const (
	// DefaultSampleInterval is the tick rate of the frame loop. The skip
	// factor rides on top of this.
	DefaultSampleInterval = 100 * time.Millisecond

	// If the rolling average frame time rises above slowFrameThreshold, we
	// process fewer frames. Below fastFrameThreshold, more.
	slowFrameThreshold = 250 * time.Millisecond
	fastFrameThreshold = 150 * time.Millisecond
	maxSkipFactor      = 5

	durationWindowSize = 10

	// Pixels of context kept around a detection box when cropping for OCR
	cropMargin = 4
)

// FrameSource produces the frames we sample. Returning a nil image with a
// nil error means no new frame is available yet.
type FrameSource interface {
	NextFrame() (*cimg.Image, error)
}

// Monitor runs the per-frame pipeline against one frame source.
type Monitor struct {
	Log    logs.Log
	Params *nn.DetectionParams

	// DumpDir saves a copy of every crop submitted for recognition, for
	// offline inspection. Empty disables.
	DumpDir string

	detector nn.ObjectDetector
	engine   *recognize.Engine
	source   FrameSource
	interval time.Duration

	// startStopLock serializes Start/Stop, which are reachable concurrently
	// from the HTTP query endpoint and the websocket signal channel. Without
	// it, two interleaved Starts can leave two loops running.
	startStopLock sync.Mutex
	mustStop      atomic.Bool
	looperStopped chan bool
}

func NewMonitor(logger logs.Log, detector nn.ObjectDetector, engine *recognize.Engine, source FrameSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{
		Log:      logger,
		Params:   nn.NewDetectionParams(),
		detector: detector,
		engine:   engine,
		source:   source,
		interval: interval,
	}
}

// Start begins sampling for the given session, stopping any previous loop
// first. The loop ends on Stop(), or on its own once the session's match
// flag is set.
func (m *Monitor) Start(sess *session.State) {
	m.startStopLock.Lock()
	defer m.startStopLock.Unlock()
	m.stopLoop()
	m.mustStop.Store(false)
	m.looperStopped = make(chan bool)
	go m.loop(sess)
}

// Stop the sampling loop and wait for it to exit.
func (m *Monitor) Stop() {
	m.startStopLock.Lock()
	defer m.startStopLock.Unlock()
	m.stopLoop()
}

// stopLoop must be called with startStopLock held.
func (m *Monitor) stopLoop() {
	if m.looperStopped == nil {
		return
	}
	m.mustStop.Store(true)
	<-m.looperStopped
	m.looperStopped = nil
}

func (m *Monitor) loop(sess *session.State) {
	lastErrAt := time.Time{}
	durations := ringbuffer.NewRingP[time.Duration](durationWindowSize)
	skipFactor := 1
	tick := 0

	logError := func(format string, args ...any) {
		if time.Now().Sub(lastErrAt) > 15*time.Second {
			m.Log.Errorf(format, args...)
			lastErrAt = time.Now()
		}
	}

	for !m.mustStop.Load() {
		time.Sleep(m.interval)

		// Once a match lands we stop sampling entirely, to take inference
		// load off the device
		if sess.MatchFound() || sess.Ctx().Err() != nil {
			m.Log.Infof("Monitor stopping (session %v done)", sess.CorrelationID)
			break
		}

		tick++
		if tick%skipFactor != 0 {
			continue
		}

		start := time.Now()
		img, err := m.source.NextFrame()
		if err != nil {
			logError("Error reading frame: %v", err)
			continue
		}
		if img == nil {
			continue
		}

		crop := nn.WholeImage(img.NChan(), img.Pixels, img.Width, img.Height)
		detections, err := m.detector.DetectObjects(crop, m.Params)
		if err != nil {
			logError("Error detecting objects: %v", err)
			continue
		}

		for _, det := range detections {
			identity := session.ObjectIdentity(det.Box)
			if !sess.TryClaim(identity, time.Now()) {
				// In flight or cooling down
				continue
			}
			jpg, err := cropToJPEG(img, det.Box)
			if err != nil {
				sess.Release(identity, time.Now())
				logError("Error encoding crop: %v", err)
				continue
			}
			if m.DumpDir != "" {
				go m.dumpCrop(jpg, identity)
			}
			job := m.engine.Submit(sess, jpg, identity, det)
			go func() {
				<-job.Done()
				sess.Release(job.Identity, time.Now())
			}()
		}

		durations.Add(time.Since(start))
		skipFactor = adjustSkipFactor(skipFactor, &durations)
	}
	close(m.looperStopped)
}

// adjustSkipFactor nudges the skip factor up when the rolling average frame
// time is too slow, and down when we have headroom.
func adjustSkipFactor(current int, window *ringbuffer.RingP[time.Duration]) int {
	if window.Len() == 0 {
		return current
	}
	acc := perfstats.TimeAccumulator{}
	for i := 0; i < window.Len(); i++ {
		acc.AddSample(window.Peek(i))
	}
	avg := acc.Average()
	if avg > slowFrameThreshold && current < maxSkipFactor {
		return current + 1
	}
	if avg < fastFrameThreshold && current > 1 {
		return current - 1
	}
	return current
}

// dumpCrop is fire-and-forget: a failed dump must never disturb the loop.
func (m *Monitor) dumpCrop(jpg []byte, identity uint64) {
	filename := filepath.Join(m.DumpDir, fmt.Sprintf("%v-%x.jpg", time.Now().UnixMilli(), identity))
	if err := os.WriteFile(filename, jpg, 0644); err != nil {
		m.Log.Warnf("Failed to dump crop %v: %v", filename, err)
	}
}

// cropToJPEG cuts the detection box out of the frame, with a small margin of
// context around it, and compresses it for the OCR service.
func cropToJPEG(img *cimg.Image, box nn.Rect) ([]byte, error) {
	box.Offset(-cropMargin, -cropMargin)
	box.Width += 2 * cropMargin
	box.Height += 2 * cropMargin
	box = box.Intersection(nn.MakeRect(0, 0, int32(img.Width), int32(img.Height)))
	crop := cimg.NewImage(int(box.Width), int(box.Height), cimg.PixelFormatRGB)
	crop.CopyImageRect(img, int(box.X), int(box.Y), int(box.X2()), int(box.Y2()), 0, 0)
	return cimg.Compress(crop, cimg.MakeCompressParams(cimg.Sampling420, 90, 0))
}
