package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

type fakeSessions struct {
	mu        sync.Mutex
	sess      *models.RemoteSession
	connected []bool
}

func (f *fakeSessions) Get(id string) (*models.RemoteSession, error) {
	if f.sess == nil || f.sess.ID != id {
		return nil, errs.E("lookup session", errs.ErrSessionNotFound, nil)
	}
	s := *f.sess
	return &s, nil
}

func (f *fakeSessions) MarkViewerConnected(_ string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, connected)
}

func (f *fakeSessions) marks() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.connected...)
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			kind, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
}

func TestHandleViewerRelaysFrames(t *testing.T) {
	upstream := echoServer(t)
	defer upstream.Close()

	sessions := &fakeSessions{sess: &models.RemoteSession{
		ID:            "s1",
		State:         models.StateAwaitingLogin,
		WebsockifyURL: "ws" + strings.TrimPrefix(upstream.URL, "http"),
	}}
	srv := NewServer(sessions)
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.HandleViewer(w, r, "s1")
	}))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(front.URL, "http"), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("RFB 003.008\n")))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "RFB 003.008\n", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]bool{true, false}, sessions.marks())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleViewerRejects(t *testing.T) {
	tests := []struct {
		name string
		sess *models.RemoteSession
		want int
	}{
		{"unknown session", nil, http.StatusNotFound},
		{"closed session", &models.RemoteSession{ID: "s1", State: models.StateClosed, WebsockifyURL: "ws://127.0.0.1:1"}, http.StatusConflict},
		{"unreachable viewer", &models.RemoteSession{ID: "s1", State: models.StateAwaitingLogin, WebsockifyURL: "ws://127.0.0.1:1/websockify"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&fakeSessions{sess: tt.sess})
			rec := httptest.NewRecorder()
			srv.HandleViewer(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/viewer", nil), "s1")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
