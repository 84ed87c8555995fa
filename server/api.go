package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/routecall/routecall/pkg/perfstats"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	plain := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// One rate limiter per endpoint, keyed by client IP
	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	plain("GET", "/api/ping", s.httpPing)
	plain("GET", "/api/status", s.httpStatus)
	ratelimited("POST", "/api/query", s.httpQuery, 10, time.Minute)
	plain("POST", "/api/cancel", s.httpCancel)
	plain("GET", "/api/sightings", s.httpSightings)
	plain("GET", "/api/ws/signal", s.httpSignal)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "pong")
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type statusJSON struct {
		Scanning           bool   `json:"scanning"`
		CorrelationID      string `json:"correlationId,omitempty"`
		MatchFound         bool   `json:"matchFound"`
		RunningJobs        int    `json:"runningJobs"`
		QueuedJobs         int    `json:"queuedJobs"`
		LastMatchLatencyMS int64  `json:"lastMatchLatencyMS,omitempty"`
		Perf               string `json:"perf"`
	}
	status := statusJSON{
		Perf: perfstats.Stats.String(),
	}
	status.RunningJobs, status.QueuedJobs = s.engine.Busy()
	if sess := s.currentSession(); sess != nil {
		status.CorrelationID = sess.CorrelationID
		status.MatchFound = sess.MatchFound()
		status.Scanning = !status.MatchFound && sess.Ctx().Err() == nil
	}
	status.LastMatchLatencyMS = time.Duration(s.lastMatchLatency.Load()).Milliseconds()
	www.SendJSON(w, &status)
}

type queryJSON struct {
	CorrelationID string   `json:"correlationId"`
	Targets       []string `json:"targets"`
	Whitelist     []string `json:"whitelist"`
}

func (s *Server) httpQuery(w http.ResponseWriter, r *http.Request) {
	q := queryJSON{}
	www.ReadJSON(w, r, &q, 1024*1024)
	if len(q.Targets) == 0 {
		www.PanicBadRequestf("No targets specified")
	}
	if len(q.Whitelist) == 0 {
		www.PanicBadRequestf("No whitelist specified")
	}
	s.StartQuery(q.CorrelationID, q.Targets, q.Whitelist)
	www.SendJSON(w, &signalMessage{
		Kind:          "response",
		CorrelationID: q.CorrelationID,
		Text:          "scanning",
	})
}

func (s *Server) httpCancel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSONBool(w, s.CancelQuery())
}

func (s *Server) httpSightings(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.sightDB == nil {
		www.PanicNotFound()
	}
	limit := www.QueryInt(r, "limit")
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if correlationID := www.QueryValue(r, "correlationId"); correlationID != "" {
		sightings, err := s.sightDB.SightingsForQuery(correlationID)
		www.Check(err)
		www.SendJSON(w, sightings)
		return
	}
	sightings, err := s.sightDB.RecentSightings(limit)
	www.Check(err)
	www.SendJSON(w, sightings)
}
