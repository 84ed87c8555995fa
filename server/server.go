// Package server wires the pipeline together: camera, detector, recognition
// engine, announcements, and the HTTP/websocket surface that queries arrive
// on.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/routecall/routecall/pkg/nn"
	"github.com/routecall/routecall/pkg/onnxdet"
	"github.com/routecall/routecall/server/config"
	"github.com/routecall/routecall/server/monitor"
	"github.com/routecall/routecall/server/ocr"
	"github.com/routecall/routecall/server/recognize"
	"github.com/routecall/routecall/server/session"
	"github.com/routecall/routecall/server/sightdb"
	"github.com/routecall/routecall/server/tts"
)

type Server struct {
	Log logs.Log

	cfg       *config.Config
	detector  nn.ObjectDetector
	ocr       *ocr.Service
	announcer *tts.Announcer
	engine    *recognize.Engine
	monitor   *monitor.Monitor
	sightDB   *sightdb.SightDB // nil if history is disabled

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader

	signalLock    sync.Mutex
	signalClients map[*signalClient]bool

	// queryLock serializes StartQuery/CancelQuery end to end, so two
	// concurrent queries can't interleave monitor Stop/Start and leave the
	// loop running against a replaced session.
	queryLock sync.Mutex

	// The current query session. Replaced wholesale on each new query, so
	// jobs created under an old session never touch the new one.
	sessionLock sync.Mutex
	sess        *session.State

	// Submission-to-validation latency of the last match, in nanoseconds,
	// for the status API
	lastMatchLatency atomic.Int64
}

func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	detector, err := onnxdet.NewDetector(cfg.Model.Path, onnxdet.Options{
		LibraryPath: cfg.Model.OnnxLibraryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to load detection model: %w", err)
	}

	var source monitor.FrameSource
	if cfg.Camera.SnapshotURL != "" {
		source = &monitor.SnapshotSource{URL: cfg.Camera.SnapshotURL}
	} else {
		source, err = monitor.NewFileSource(cfg.Camera.FrameDir)
		if err != nil {
			detector.Close()
			return nil, err
		}
	}

	var sightDB *sightdb.SightDB
	if cfg.DBPath != "" {
		sightDB, err = sightdb.Open(logger, cfg.DBPath)
		if err != nil {
			detector.Close()
			return nil, err
		}
	}

	s := &Server{
		Log:           logger,
		cfg:           cfg,
		detector:      detector,
		ocr:           ocr.NewService(logger, cfg.OCR.URL),
		announcer:     tts.NewAnnouncer(logger, cfg.TTS.URL, &tts.PlayerSink{Command: cfg.TTS.PlayerCommand}),
		sightDB:       sightDB,
		signalClients: map[*signalClient]bool{},
	}
	s.engine = recognize.NewEngine(logger, s.ocr, s, cfg.MaxParallel)
	s.engine.OnMatch = s.onMatch
	s.engine.OnJobDone = s.onJobDone

	interval := time.Duration(cfg.Camera.SampleIntervalMS) * time.Millisecond
	s.monitor = monitor.NewMonitor(logger, detector, s.engine, source, interval)
	if cfg.Model.Confidence != 0 {
		s.monitor.Params.ProbabilityThreshold = cfg.Model.Confidence
	}
	s.monitor.Params.MinArea = cfg.Model.MinArea
	s.monitor.Params.MinAspect = cfg.Model.MinAspect
	s.monitor.Params.MaxAspect = cfg.Model.MaxAspect
	s.monitor.Params.ClassFilter = cfg.Model.ClassFilter
	if cfg.Model.ClassFilterFile != "" {
		classes, err := nn.LoadClassFile(cfg.Model.ClassFilterFile)
		if err != nil {
			detector.Close()
			return nil, fmt.Errorf("Failed to load class filter file: %w", err)
		}
		s.monitor.Params.ClassFilter = classes
	}
	s.monitor.DumpDir = cfg.Camera.CropDumpDir

	s.setupHttpRoutes()
	return s, nil
}

// StartQuery replaces the current session (if any) and starts scanning for
// the given targets.
func (s *Server) StartQuery(correlationID string, targets, whitelist []string) *session.State {
	s.queryLock.Lock()
	defer s.queryLock.Unlock()

	sess := session.NewState(correlationID, targets, whitelist)

	s.sessionLock.Lock()
	old := s.sess
	s.sess = sess
	s.sessionLock.Unlock()
	if old != nil {
		old.Close()
	}

	s.Log.Infof("Query %v: scanning for %v (whitelist of %v)", correlationID, targets, len(whitelist))
	s.monitor.Start(sess)
	return sess
}

// CancelQuery ends the current session. Returns false if there was none.
func (s *Server) CancelQuery() bool {
	s.queryLock.Lock()
	defer s.queryLock.Unlock()

	s.sessionLock.Lock()
	old := s.sess
	s.sess = nil
	s.sessionLock.Unlock()
	if old == nil {
		return false
	}
	s.monitor.Stop()
	old.Close()
	s.Log.Infof("Query %v cancelled", old.CorrelationID)
	return true
}

func (s *Server) currentSession() *session.State {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	return s.sess
}

// onMatch runs the instant a job wins the match race, before the global
// abort and the announcement.
func (s *Server) onMatch(identifier string, latency time.Duration) {
	s.lastMatchLatency.Store(latency.Nanoseconds())
}

// Announce satisfies the engine's Announcer: speak the identifier, record
// it, and push a response event to signal subscribers.
func (s *Server) Announce(ctx context.Context, identifier string) {
	sess := s.currentSession()
	correlationID := ""
	if sess != nil {
		correlationID = sess.CorrelationID
	}

	s.announcer.Announce(ctx, identifier)

	if s.sightDB != nil {
		s.sightDB.RecordAnnouncement(&sightdb.Announcement{
			CorrelationID: correlationID,
			Identifier:    identifier,
			LatencyMS:     time.Duration(s.lastMatchLatency.Load()).Milliseconds(),
		})
	}
	s.broadcastSignal(signalMessage{
		Kind:          "response",
		CorrelationID: correlationID,
		Text:          fmt.Sprintf("found %v", identifier),
	})
}

// onJobDone stores completed recognitions in the history DB, if enabled.
func (s *Server) onJobDone(job *recognize.Job, result recognize.Result) {
	if s.sightDB == nil || result.State != recognize.JobCompleted || result.Text == "" {
		return
	}
	box := job.Detection.Box
	s.sightDB.RecordSighting(&sightdb.Sighting{
		CorrelationID: job.Session().CorrelationID,
		RawText:       result.Text,
		Matched:       result.Matched,
		Confidence:    job.Detection.Confidence,
		Detail: dbh.MakeJSONField(sightdb.SightDetail{
			Box:   [4]int32{box.X, box.Y, box.X2(), box.Y2()},
			Words: result.Words,
		}),
	})
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v', shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	s.CancelQuery()
	s.detector.Close()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
		}
	}
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
