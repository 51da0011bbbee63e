package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/run"
	"vexa.gg/parkour/internal/protocol"
)

const outQueue = 32

type Server struct {
	eng *engine.Engine
	log *logrus.Entry

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(eng *engine.Engine, log *logrus.Entry) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		eng:   eng,
		log:   log,
		conns: map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // game hosts are not browsers
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !s.track(conn) {
			return
		}
		defer s.untrack(conn)

		playerID, ok := s.handshake(conn)
		if !ok {
			return
		}
		defer s.eng.Leave(playerID)
		log := s.log.WithField("player", playerID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, outQueue)

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			resp := s.dispatch(playerID, msg)
			b, err := json.Marshal(resp)
			if err != nil {
				log.WithError(err).Error("encode result")
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()
		<-done
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// CloseConnections refuses new sockets and closes the live ones. http.Server
// Shutdown does not reach hijacked connections, so register this with
// RegisterOnShutdown.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Shutdown closes every connection and waits until each one has left the
// engine, so their final run events reach the sinks before those close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseConnections()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handshake(conn *websocket.Conn) (uuid.UUID, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return uuid.Nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return uuid.Nil, false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return uuid.Nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return uuid.Nil, false
	}
	id, err := protocol.ParsePlayerID(hello.PlayerID)
	if err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrInvalidUUIDCode, err.Error()))
		closeWith(conn, websocket.ClosePolicyViolation, "bad player_id")
		return uuid.Nil, false
	}

	w := s.eng.Join(engine.Identity{ID: id, Name: hello.Name, VIP: hello.VIP, Founder: hello.Founder})
	catVersion, catDigest := s.eng.Catalog.Stamp()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PlayerID:        id.String(),
		Name:            w.Name,
		Rank:            w.Rank,
		FirstVisit:      w.FirstVisit,
		CatalogVersion:  catVersion,
		CatalogDigest:   catDigest,
		PageSize:        s.eng.Tuning.PageSize,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.eng.Leave(id)
		return uuid.Nil, false
	}
	s.log.WithFields(logrus.Fields{"player": id, "first_visit": w.FirstVisit}).Info("player connected")
	return id, true
}

// dispatch answers one request frame. Every frame gets exactly one RESULT.
func (s *Server) dispatch(id uuid.UUID, msg []byte) protocol.ResultMsg {
	var req protocol.RequestMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return protocol.NewFailure("", "", fmt.Errorf("%w: %v", protocol.ErrMalformed, err))
	}
	if req.ProtocolVersion != protocol.Version {
		return protocol.NewFailure(req.ReqID, req.Type, fmt.Errorf("%w: protocol_version %q", protocol.ErrMalformed, req.ProtocolVersion))
	}
	data, err := s.handle(id, req)
	if err != nil {
		return protocol.NewFailure(req.ReqID, req.Type, err)
	}
	return protocol.NewResult(req.ReqID, req.Type, data)
}

func (s *Server) handle(id uuid.UUID, req protocol.RequestMsg) (any, error) {
	runs := s.eng.Runs
	switch req.Type {
	case protocol.TypeStartRun:
		if req.MapID == "" {
			return nil, fmt.Errorf("%w: map_id required", protocol.ErrMalformed)
		}
		sess, err := runs.StartRun(id, req.MapID)
		if err != nil {
			return nil, err
		}
		return sess, nil

	case protocol.TypePractice:
		if !runs.EnablePractice(id) {
			return nil, run.ErrNoActiveRun
		}
		return map[string]bool{"practice": true}, nil

	case protocol.TypeCheckpoint:
		if req.Checkpoint == nil {
			return nil, fmt.Errorf("%w: checkpoint required", protocol.ErrMalformed)
		}
		if _, ok := runs.ActiveMapID(id); !ok {
			return nil, run.ErrNoActiveRun
		}
		return runs.RecordCheckpoint(id, *req.Checkpoint), nil

	case protocol.TypeFinish:
		res, err := runs.FinishRun(id)
		if err != nil {
			return nil, err
		}
		if res.Empty() {
			return nil, run.ErrNoActiveRun
		}
		return res, nil

	case protocol.TypeAbandon:
		if !runs.AbandonRun(id) {
			return nil, run.ErrNoActiveRun
		}
		return map[string]bool{"abandoned": true}, nil

	case protocol.TypeFail:
		falls := runs.RecordFailure(id)
		if falls == 0 {
			return nil, run.ErrNoActiveRun
		}
		return map[string]int{"falls": falls}, nil

	case protocol.TypeProgress:
		return s.eng.Player(id)

	case protocol.TypeMapBoard:
		if req.MapID == "" {
			return nil, fmt.Errorf("%w: map_id required", protocol.ErrMalformed)
		}
		return s.eng.MapBoard(req.MapID, req.Page, req.Query)

	case protocol.TypeMedalBoard:
		return s.eng.MedalBoard(req.Page, req.Query), nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", protocol.ErrMalformed, req.Type)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
