// Package proxy relays the operator's noVNC connection to the viewer
// container so the viewer port never has to be published.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Sessions is what the proxy needs from the session orchestrator
type Sessions interface {
	Get(id string) (*models.RemoteSession, error)
	MarkViewerConnected(id string, connected bool)
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"binary"},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	sessions Sessions
	dialer   *websocket.Dialer
}

func NewServer(sessions Sessions) *Server {
	return &Server{
		sessions: sessions,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"binary"},
		},
	}
}

// HandleViewer upgrades the request and pipes frames both ways between the
// operator and the session's websockify endpoint until either side closes.
func (s *Server) HandleViewer(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := logger.WithSession(r.Context(), sessionID)
	log := logger.From(ctx)

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.State.Terminal() || sess.WebsockifyURL == "" {
		http.Error(w, "session has no live viewer", http.StatusConflict)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	upstream, _, err := s.dialer.DialContext(dialCtx, sess.WebsockifyURL, nil)
	if err != nil {
		log.Error("viewer upstream unreachable", "error", err)
		http.Error(w, "viewer unavailable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("viewer upgrade failed", "error", err)
		return
	}
	defer client.Close()

	s.sessions.MarkViewerConnected(sessionID, true)
	defer s.sessions.MarkViewerConnected(sessionID, false)
	log.Info("viewer connected")

	errc := make(chan error, 2)
	go func() { errc <- pipe(client, upstream) }()
	go func() { errc <- pipe(upstream, client) }()

	if err := <-errc; err != nil && !isClose(err) {
		log.Warn("viewer relay ended", "error", err)
	}
	log.Info("viewer disconnected")
}

func pipe(src, dst *websocket.Conn) error {
	for {
		kind, msg, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), time.Now().Add(time.Second))
			}
			return err
		}
		if err := dst.WriteMessage(kind, msg); err != nil {
			return err
		}
	}
}

func isClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
