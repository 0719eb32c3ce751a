package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/skobkin/cpuhz-web/internal/api"
	"github.com/skobkin/cpuhz-web/internal/sampler"
)

const clientFrameBuffer = 8

// wsSession serves one WebSocket client. A reader goroutine decodes client
// frames, a writer goroutine drains the send queue, and serve forwards
// snapshots from the sampler into the queue.
type wsSession struct {
	srv     *Server
	conn    *websocket.Conn
	logger  *slog.Logger
	queue   *sendQueue
	closing wsClose
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity", "active", s.wsActive.Load())
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	s.wsTotal.Add(1)

	session := &wsSession{
		srv:    s,
		conn:   conn,
		logger: reqLogger.With("ws_id", s.wsConnIDs.Add(1)),
		queue:  newSendQueue(wsSendQueueSize, &s.wsDropped),
	}
	session.serve(r.Context())
}

func (ws *wsSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	writerDone := make(chan struct{})
	go ws.writeLoop(ctx, cancel, writerDone)

	defer func() {
		ws.queue.close()
		cancel()
		<-writerDone
		ws.closing.apply(ws.logger, ws.conn)
	}()

	srv := ws.srv
	hello := api.NewHelloMessage(int(srv.cfg.SampleInterval.Milliseconds()), srv.host, srv.cores, srv.features())
	if !ws.send(hello) {
		ws.closing.set(websocket.StatusInternalError, "hello failed")
		return
	}

	frames := make(chan []byte, clientFrameBuffer)
	readErr := make(chan error, 1)
	go ws.readLoop(ctx, frames, readErr)

	var snapshots <-chan sampler.Snapshot
	if srv.sampler != nil {
		var unsubscribe func()
		snapshots, unsubscribe = srv.sampler.Subscribe()
		defer unsubscribe()
		ws.logger.Info("ws subscribed")
	} else {
		ws.send(api.NewErrorMessage("sampler unavailable"))
	}

	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				ws.send(api.NewErrorMessage("sampler stopped"))
				snapshots = nil
				continue
			}
			if !ws.send(api.NewSnapshotMessage(snapshot, srv.latestLoad())) {
				ws.closing.set(websocket.StatusInternalError, "send failed")
				return
			}
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if !ws.handleFrame(frame) {
				ws.closing.set(websocket.StatusInternalError, "send failed")
				return
			}
		case err := <-readErr:
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				ws.closing.set(websocket.StatusPolicyViolation, "idle timeout")
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
			default:
				ws.logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			ws.closing.set(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

// handleFrame reacts to one client frame and reports false only when the
// reply could not be queued.
func (ws *wsSession) handleFrame(frame []byte) bool {
	var msg api.ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		ws.logger.Debug("invalid client message", "err", err)
		return true
	}

	switch msg.Type {
	case "ping":
		return ws.send(api.PongMessage{Type: api.TypePong})
	default:
		ws.logger.Debug("unknown message type", "type", msg.Type)
		return true
	}
}

func (ws *wsSession) send(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		ws.logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !ws.queue.push(data) {
		ws.logger.Warn("websocket send queue closed")
		return false
	}
	return true
}

func (ws *wsSession) readLoop(ctx context.Context, frames chan<- []byte, errc chan<- error) {
	defer close(frames)
	for {
		msgType, data, err := ws.read(ctx)
		if err != nil {
			errc <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

// read waits for the next frame. A configured read timeout closes idle
// clients: the library tears the connection down once the context expires.
func (ws *wsSession) read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if timeout := ws.srv.cfg.WS.ReadTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ws.conn.Read(ctx)
}

func (ws *wsSession) writeLoop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ws.queue.out():
			if !ok {
				return
			}
			if err := ws.write(ctx, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					ws.logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			ws.srv.wsSent.Add(1)
		}
	}
}

func (ws *wsSession) write(ctx context.Context, msg []byte) error {
	if timeout := ws.srv.cfg.WS.WriteTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ws.conn.Write(ctx, websocket.MessageText, msg)
}

// reserveWS claims a client slot, or counts a rejection when the limit is
// reached. A non-positive limit means unlimited.
func (s *Server) reserveWS() bool {
	for {
		active := s.wsActive.Load()
		if s.maxWSClients > 0 && active >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(active, active+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

// originPatterns maps the configured origins onto accept patterns. A bare
// "*" disables the origin check entirely.
func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
	}
	return append([]string(nil), origins...)
}

// sendQueue is a bounded per-connection queue. When it is full the oldest
// message is discarded to make room, so a slow client only ever lags by
// the queue length.
type sendQueue struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	dropped *atomic.Uint64
}

func newSendQueue(capacity int, dropped *atomic.Uint64) *sendQueue {
	return &sendQueue{
		ch:      make(chan []byte, max(capacity, 1)),
		dropped: dropped,
	}
}

// push never blocks. It fails only after close.
func (q *sendQueue) push(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drop()
		return false
	}

	for {
		select {
		case q.ch <- msg:
			return true
		default:
		}
		select {
		case <-q.ch:
			q.drop()
		default:
		}
	}
}

func (q *sendQueue) out() <-chan []byte {
	return q.ch
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *sendQueue) drop() {
	if q.dropped != nil {
		q.dropped.Add(1)
	}
}
