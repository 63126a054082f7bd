package transport

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/tsumura510/stonesheet/internal/obslog"
	"github.com/tsumura510/stonesheet/internal/protocol"
)

// Server upgrades HTTP requests to websocket streams and pumps decoded
// frames into the handler callbacks. Close and error paths funnel into the
// same OnClose call, so a crash and a graceful goodbye look identical to
// the rest of the system.
type Server struct {
	Registry *Registry

	// OnMessage runs for every well-formed inbound frame.
	OnMessage func(c *Conn, msg protocol.ClientMessage)
	// OnClose runs exactly once per conn after the transport dies.
	OnClose func(c *Conn)

	QueueCapacity int
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	c := newConn(ws, r.RemoteAddr, s.QueueCapacity)
	s.Registry.add(c)
	go c.writeLoop()

	obslog.L().Info("conn_open", zap.String("remote", r.RemoteAddr))
	s.readLoop(c)

	c.close(websocket.StatusNormalClosure, "bye")
	s.Registry.remove(c)
	if s.OnClose != nil {
		s.OnClose(c)
	}
	obslog.L().Info("conn_close", zap.String("remote", r.RemoteAddr))
}

func (s *Server) readLoop(c *Conn) {
	ctx := context.Background()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			// Malformed and unknown frames are dropped without a reply;
			// most are benign races or stale clients.
			if errors.Is(err, protocol.ErrUnknownType) {
				obslog.L().Debug("conn_frame_unknown", zap.Error(err))
			}
			continue
		}
		if s.OnMessage != nil {
			s.OnMessage(c, msg)
		}
	}
}
