package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"scenesync.dev/internal/protocol"
	"scenesync.dev/internal/stage"
)

type Config struct {
	StageID      string
	StageParams  protocol.StageParams
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	stage *stage.Stage
	cfg   Config
	log   *log.Logger

	upgrader websocket.Upgrader

	nextSession atomic.Uint64
}

func NewServer(st *stage.Stage, cfg Config, logger *log.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Server{
		stage: st,
		cfg:   cfg,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
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

		sessionID, clientName := s.handshake(conn)
		if sessionID == "" {
			return
		}
		s.log.Printf("session %s: client %q connected", sessionID, clientName)

		out := make(chan []byte, 64)
		closed := make(chan struct{})

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-closed:
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				}
			}
		}()
		defer close(closed)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.sendError(out, protocol.ErrProtoBadRequest, "unparseable message")
				continue
			}
			if base.Type != protocol.TypeState {
				continue
			}
			var state protocol.StateMsg
			if err := json.Unmarshal(msg, &state); err != nil {
				s.sendError(out, protocol.ErrProtoBadRequest, "bad STATE payload")
				continue
			}
			if state.ProtocolVersion != protocol.Version {
				s.sendError(out, protocol.ErrProtoVersion, "unsupported protocol version")
				continue
			}
			s.applyState(out, sessionID, state)
		}

		s.log.Printf("session %s: client %q disconnected", sessionID, clientName)
	}
}

// applyState pushes one STATE into the stage and acknowledges the pass. The
// reader blocks until the pass completes, so one session's updates are
// applied in the order they arrive.
func (s *Server) applyState(out chan []byte, sessionID string, state protocol.StateMsg) {
	resp := make(chan stage.PassResult, 1)
	env := stage.UpdateEnvelope{
		Source:  sessionID,
		Seq:     state.Seq,
		Objects: state.Objects,
		Force:   state.Force,
		Resp:    resp,
	}
	select {
	case s.stage.Inbox() <- env:
	default:
		s.sendError(out, protocol.ErrStageBusy, "stage inbox full")
		return
	}

	res := <-resp
	if res.Rejected != "" {
		s.sendError(out, res.Rejected, "state rejected")
		return
	}
	ack := protocol.AckMsg{
		Type:     protocol.TypeAck,
		Seq:      res.Seq,
		Pass:     res.Pass,
		Added:    res.Added,
		Changed:  res.Changed,
		Removed:  res.Removed,
		Objects:  res.Objects,
		Digest:   res.Digest,
		Failures: res.Failures,
	}
	b, _ := json.Marshal(ack)
	select {
	case out <- b:
	default:
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID, clientName string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", ""
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unsupported protocol version"), time.Now().Add(time.Second))
		return "", ""
	}
	if hello.ClientName == "" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client_name required"), time.Now().Add(time.Second))
		return "", ""
	}

	sessionID = fmt.Sprintf("S%d", s.nextSession.Add(1))
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		StageID:         s.cfg.StageID,
		StageParams:     s.cfg.StageParams,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(welcome); err != nil {
		return "", ""
	}
	return sessionID, hello.ClientName
}

func (s *Server) sendError(out chan []byte, code, message string) {
	b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
	select {
	case out <- b:
	default:
	}
}
