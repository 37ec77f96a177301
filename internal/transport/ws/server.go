package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/host"
)

const (
	DefaultMaxQueue = 64
	MaxQueueLimit   = 1024
)

type Server struct {
	host *host.Host
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(h *host.Host, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		host: h,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		peerID, out := s.handshake(r.Context(), conn)
		if peerID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Replies produced by this connection itself. The host owns out and
		// may close it, so local replies never go through it.
		direct := make(chan []byte, 8)

		// Writer goroutine.
		go func() {
			for {
				var b []byte
				select {
				case <-ctx.Done():
					return
				case b = <-direct:
				case msg, ok := <-out:
					if !ok {
						// Kicked by the host: drop the connection so the
						// reader loop unwinds and reports the leave.
						s.log.Printf("peer=%s send queue closed", peerID)
						_ = conn.Close()
						return
					}
					b = msg
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			req, code, reason := decodeReq(msg)
			if code != "" {
				if req.ReqID == "" {
					continue
				}
				reply(direct, protocol.AckMsg{
					Type:            protocol.TypeAck,
					ProtocolVersion: protocol.Version,
					AckFor:          req.ReqID,
					Code:            code,
					Message:         reason,
				})
				continue
			}
			select {
			case s.host.Inbox() <- host.RequestEnvelope{PeerID: peerID, Req: req}:
			default:
				reply(direct, protocol.AckMsg{
					Type:            protocol.TypeAck,
					ProtocolVersion: protocol.Version,
					AckFor:          req.ReqID,
					Code:            protocol.ErrWorldBusy,
					Message:         "host inbox full",
				})
			}
		}

		// Cleanup.
		s.leave(peerID)
	}
}

// leave reports a disconnected peer. It gives up once the host loop has
// stopped.
func (s *Server) leave(peerID string) {
	select {
	case s.host.Leave() <- peerID:
	case <-s.host.Done():
	}
}

// decodeReq returns the REQ in msg, or a protocol error code. Non-REQ
// messages are reported as bad requests too; peers only send REQ after HELLO.
func decodeReq(msg []byte) (protocol.ReqMsg, string, string) {
	var req protocol.ReqMsg
	// Best effort so the rejection can reference the req_id.
	_ = json.Unmarshal(msg, &req)
	if err := protocol.Validate(msg); err != nil {
		return req, protocol.ErrProtoBadRequest, err.Error()
	}
	if req.Type != protocol.TypeReq {
		return req, protocol.ErrProtoBadRequest, "expected REQ"
	}
	if req.ProtocolVersion != protocol.Version {
		return req, protocol.ErrProtoBadRequest, "bad protocol_version"
	}
	return req, "", ""
}

func reply(direct chan<- []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case direct <- b:
	default:
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (peerID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return "", nil
	}
	if err := protocol.Validate(msg); err != nil {
		closeWith(conn, "bad HELLO")
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return "", nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = DefaultMaxQueue
	}
	if maxQ > MaxQueueLimit {
		maxQ = MaxQueueLimit
	}
	out = make(chan []byte, maxQ)

	respCh := make(chan host.JoinResponse, 1)
	select {
	case s.host.Join() <- host.JoinRequest{Name: hello.PeerName, Out: out, Resp: respCh}:
	case <-ctx.Done():
		return "", nil
	}
	var resp host.JoinResponse
	select {
	case resp = <-respCh:
	case <-ctx.Done():
		return "", nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.leave(resp.Welcome.PeerID)
		return "", nil
	}
	s.log.Printf("peer=%s entity=%s connected name=%q queue=%d", resp.Welcome.PeerID, resp.Welcome.EntityID, hello.PeerName, maxQ)
	return resp.Welcome.PeerID, out
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
