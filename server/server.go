// Package server streams simulation frames to browser clients over
// websockets.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"particles/gpu"
	"particles/physics"
)

// FrameHeaderSize prefixes every binary frame: uint64 step, uint32 particle
// count and uint32 stride, little endian.
const FrameHeaderSize = 16

const (
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Hello is the first message a client receives. It describes how to bind
// the binary frames that follow as a vertex buffer.
type Hello struct {
	Type       string                `json:"type"`
	Client     string                `json:"client"`
	Particles  int                   `json:"particles"`
	Stride     int                   `json:"stride"`
	Attributes []gpu.VertexAttribute `json:"attributes"`
}

// Control is what clients may send.
type Control struct {
	Pause *bool `json:"pause,omitempty"`
}

// Status is the body of GET /status.
type Status struct {
	physics.Totals
	Paused   bool    `json:"paused"`
	StepMs   float64 `json:"stepMs"`
	Clients  int     `json:"clients"`
	Interval float64 `json:"intervalMs"`

	// Cells is set when forces are grouped by octree cell.
	Cells *physics.CellStats `json:"cells,omitempty"`
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	mu   sync.Mutex // serialises writes

	// guarded by mu
	sent     bool
	lastStep uint64
}

// writeFrame sends an encoded frame unless the client already has that
// step or a later one.
func (c *client) writeFrame(step uint64, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent && step <= c.lastStep {
		return nil
	}
	if err := c.writeLocked(websocket.BinaryMessage, msg); err != nil {
		return err
	}
	c.sent = true
	c.lastStep = step
	return nil
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(messageType, data)
}

func (c *client) writeLocked(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

type Server struct {
	runner   *physics.ThreadedPhysicsEngine
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*client
}

func New(runner *physics.ThreadedPhysicsEngine, log *zap.SugaredLogger) *Server {
	return &Server{
		runner: runner,
		log:    log.Named("server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local viewer, any origin
			},
		},
		clients: make(map[uuid.UUID]*client),
	}
}

// Handler serves /ws and /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Run serves addr and broadcasts frames until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infow("listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.Broadcast(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Broadcast sends every published frame to every client until ctx is done
// or the runner stops.
func (s *Server) Broadcast(ctx context.Context) error {
	frames, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			s.broadcast(f)
		}
	}
}

func (s *Server) broadcast(f *physics.Frame) {
	msg := EncodeFrame(f)
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.writeFrame(f.Step, msg); err != nil {
			s.log.Debugw("dropping client", "client", c.id, "err", err)
			s.remove(c)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	c := &client{id: uuid.New(), conn: conn}
	defer s.remove(c)

	engine := s.runner.Engine()
	hello := Hello{
		Type:       "hello",
		Client:     c.id.String(),
		Particles:  engine.ParticleCount(),
		Stride:     gpu.ParticleStride,
		Attributes: gpu.Attributes,
	}
	data, err := json.Marshal(hello)
	if err != nil {
		s.log.Errorw("encode hello", "err", err)
		return
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return
	}

	// Registered before the current frame is sent so no broadcast falls in
	// between; writeFrame drops whatever arrives out of order.
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	if f := s.runner.GetCurrentFrame(); f != nil {
		if err := c.writeFrame(f.Step, EncodeFrame(f)); err != nil {
			return
		}
	}
	s.log.Infow("client connected", "client", c.id, "remote", r.RemoteAddr)

	for {
		var msg Control
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("websocket read", "client", c.id, "err", err)
			}
			return
		}
		if msg.Pause != nil {
			if *msg.Pause {
				s.runner.Pause()
			} else {
				s.runner.Resume()
			}
			s.log.Infow("pause toggled", "client", c.id, "paused", *msg.Pause)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	engine := s.runner.Engine()
	totals, err := engine.Diagnostics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	status := Status{
		Totals:   totals,
		Paused:   s.runner.Paused(),
		StepMs:   float64(s.runner.PhysicsFrameTime().Microseconds()) / 1000,
		Clients:  s.ClientCount(),
		Interval: float64(s.runner.UpdateInterval().Microseconds()) / 1000,
	}
	if engine.Params().GroupByCell {
		cells := engine.Cells()
		status.Cells = &cells
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Debugw("write status", "err", err)
	}
}

func (s *Server) remove(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.log.Infow("client disconnected", "client", c.id)
	}
	s.clientsMu.Unlock()
	c.conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, c := range s.clients {
		delete(s.clients, id)
		c.conn.Close()
	}
}

// EncodeFrame prefixes the frame's packed particles with its header.
func EncodeFrame(f *physics.Frame) []byte {
	msg := make([]byte, FrameHeaderSize+len(f.Data))
	binary.LittleEndian.PutUint64(msg[0:8], f.Step)
	binary.LittleEndian.PutUint32(msg[8:12], uint32(f.Count))
	binary.LittleEndian.PutUint32(msg[12:16], gpu.ParticleStride)
	copy(msg[FrameHeaderSize:], f.Data)
	return msg
}

// DecodeFrameHeader is the inverse of the header part of EncodeFrame.
func DecodeFrameHeader(msg []byte) (step uint64, count, stride uint32, err error) {
	if len(msg) < FrameHeaderSize {
		return 0, 0, 0, gpu.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(msg[0:8]),
		binary.LittleEndian.Uint32(msg[8:12]),
		binary.LittleEndian.Uint32(msg[12:16]),
		nil
}
