package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// signalMessage is the envelope on the signal websocket. A client sends
// kind "query" to start scanning and "cancel" to stop; we send kind
// "response" at session start and when a match is announced.
type signalMessage struct {
	Kind          string   `json:"kind"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Targets       []string `json:"targets,omitempty"`
	Whitelist     []string `json:"whitelist,omitempty"`
	Text          string   `json:"text,omitempty"`
}

// httpSignal is the bidirectional signaling channel to a controller app.
func (s *Server) httpSignal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Signal websocket upgrade failed: %v", err)
		return
	}

	client := &signalClient{
		conn: conn,
		send: make(chan signalMessage, 16),
	}
	s.signalLock.Lock()
	s.signalClients[client] = true
	s.signalLock.Unlock()

	defer func() {
		s.signalLock.Lock()
		delete(s.signalClients, client)
		s.signalLock.Unlock()
		close(client.send)
		conn.Close()
	}()

	go client.writer()

	for {
		msg := signalMessage{}
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Infof("Signal websocket closed: %v", err)
			}
			return
		}
		switch msg.Kind {
		case "query":
			if len(msg.Targets) == 0 || len(msg.Whitelist) == 0 {
				client.trySend(signalMessage{Kind: "response", CorrelationID: msg.CorrelationID, Text: "error: query needs targets and whitelist"})
				continue
			}
			s.StartQuery(msg.CorrelationID, msg.Targets, msg.Whitelist)
			client.trySend(signalMessage{Kind: "response", CorrelationID: msg.CorrelationID, Text: "scanning"})
		case "cancel":
			s.CancelQuery()
			client.trySend(signalMessage{Kind: "response", CorrelationID: msg.CorrelationID, Text: "cancelled"})
		default:
			s.Log.Warnf("Unknown signal message kind '%v'", msg.Kind)
		}
	}
}

type signalClient struct {
	conn *websocket.Conn
	send chan signalMessage
}

func (c *signalClient) writer() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// trySend drops the message if the client's send buffer is full. A stalled
// client must never block the recognition pipeline.
func (c *signalClient) trySend(msg signalMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

// broadcastSignal sends a message to every connected signal client.
func (s *Server) broadcastSignal(msg signalMessage) {
	s.signalLock.Lock()
	defer s.signalLock.Unlock()
	for client := range s.signalClients {
		client.trySend(msg)
	}
}
