// Package gateway owns client websocket connections: it admits streams,
// turns binary frames into chunk_received events, and routes chunk_finalized
// results back to the owning connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/api/stream"
	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/metrics"
	"github.com/halcyonaudio/speechd/internal/pipeline"
	"github.com/halcyonaudio/speechd/internal/session"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSampleRate   = 16000
	defaultChannels     = 1
)

// Config tunes connection handling.
type Config struct {
	// MaxChunkBytes caps the size of one binary audio frame.
	MaxChunkBytes int

	// SampleRate and Channels describe the PCM format clients stream.
	SampleRate int
	Channels   int

	// WriteTimeout bounds each outbound websocket write.
	WriteTimeout time.Duration
}

// Stats summarizes gateway activity for the control surface.
type Stats struct {
	OpenConnections  uint64 `json:"open_connections"`
	ChunksAccepted   uint64 `json:"chunks_accepted"`
	ChunksRejected   uint64 `json:"chunks_rejected"`
	ResultsDelivered uint64 `json:"results_delivered"`
}

// conn is one admitted client connection. Writes are serialized through mu
// because results arrive from bus goroutines while acks come from the read
// loop.
type conn struct {
	ws        *websocket.Conn
	sessionID string

	mu sync.Mutex
}

// Gateway upgrades websocket requests and bridges them onto the bus.
type Gateway struct {
	bus      *bus.Bus
	sessions *session.Manager
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[string]*conn
	sub       *bus.Subscription
	closedSub *bus.Subscription

	chunksAccepted   uint64
	chunksRejected   uint64
	resultsDelivered uint64
}

// New builds a Gateway. Call Start before serving.
func New(b *bus.Bus, sessions *session.Manager, cfg Config, logger zerolog.Logger) *Gateway {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = stream.MaxChunkBytes
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Gateway{
		bus:      b,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Start subscribes the gateway to finalized results and session closures.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sub == nil {
		g.sub = g.bus.Subscribe(pipeline.EventChunkFinalized, g.onChunkFinalized)
	}
	if g.closedSub == nil {
		g.closedSub = g.bus.Subscribe(pipeline.EventSessionClosed, g.onSessionClosed)
	}
}

// Shutdown stops result routing and closes every open connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	sub := g.sub
	closedSub := g.closedSub
	g.sub = nil
	g.closedSub = nil
	open := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.conns = make(map[string]*conn)
	g.mu.Unlock()

	g.bus.Unsubscribe(sub)
	g.bus.Unsubscribe(closedSub)
	for _, c := range open {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = c.ws.Close()
	}
}

// ServeHTTP upgrades the request, creates a session, and runs the read loop
// until the client disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := g.sessions.Create()
	c := &conn{ws: ws, sessionID: sess.ID}

	g.mu.Lock()
	g.conns[sess.ID] = c
	g.mu.Unlock()

	logger := g.logger.With().Str("session_id", sess.ID).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	defer func() {
		g.mu.Lock()
		delete(g.conns, sess.ID)
		g.mu.Unlock()
		_ = g.sessions.Close(sess.ID)
		_ = ws.Close()
		logger.Info().Msg("client disconnected")
	}()

	if err := g.writeJSON(c, stream.Hello{
		Type:          stream.MessageConnectionEstablished,
		SessionID:     sess.ID,
		MaxChunkBytes: g.cfg.MaxChunkBytes,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to send hello")
		return
	}

	ws.SetReadLimit(int64(g.cfg.MaxChunkBytes) + 1024)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			g.handleChunk(c, sess, data, logger)
		case websocket.TextMessage:
			g.handleCommand(c, sess, data, logger)
		}
	}
}

func (g *Gateway) handleChunk(c *conn, sess *session.Session, data []byte, logger zerolog.Logger) {
	if len(data) == 0 {
		g.rejectChunk(c, "empty", stream.ErrCodeEmptyChunk, "empty audio chunk")
		return
	}
	if len(data) > g.cfg.MaxChunkBytes {
		g.rejectChunk(c, "oversized", stream.ErrCodeChunkTooLarge,
			fmt.Sprintf("chunk exceeds %d bytes", g.cfg.MaxChunkBytes))
		return
	}

	chunkID, err := sess.NextChunkID()
	if err != nil {
		// Session was terminated out of band, e.g. DELETE /api/sessions/{id}.
		g.rejectChunk(c, "session_closed", stream.ErrCodeSessionClosed, "session is closed")
		logger.Info().Msg("dropping chunk for closed session")
		g.closeConn(c, websocket.CloseNormalClosure, "session closed")
		return
	}
	audio := make([]byte, len(data))
	copy(audio, data)

	err = g.bus.Publish(bus.Event{
		Type:      pipeline.EventChunkReceived,
		SessionID: sess.ID,
		ChunkID:   chunkID,
		Payload: pipeline.AudioChunk{
			Audio:      audio,
			SampleRate: g.cfg.SampleRate,
			Channels:   g.cfg.Channels,
		},
	})
	if err != nil {
		logger.Error().Err(err).Uint64("chunk_id", chunkID).Msg("failed to publish chunk")
		g.sendError(c, stream.ErrCodeInternal, "chunk could not be queued")
		return
	}

	g.mu.Lock()
	g.chunksAccepted++
	g.mu.Unlock()

	if err := g.writeJSON(c, stream.ChunkAck{
		Type:      stream.MessageChunkReceived,
		SessionID: sess.ID,
		ChunkID:   chunkID,
		Size:      len(data),
	}); err != nil {
		logger.Warn().Err(err).Uint64("chunk_id", chunkID).Msg("failed to ack chunk")
	}
}

func (g *Gateway) rejectChunk(c *conn, reason, code, message string) {
	g.mu.Lock()
	g.chunksRejected++
	g.mu.Unlock()
	metrics.IncFrameRejected(reason)
	g.sendError(c, code, message)
}

func (g *Gateway) handleCommand(c *conn, sess *session.Session, data []byte, logger zerolog.Logger) {
	var cmd stream.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		g.sendError(c, stream.ErrCodeBadCommand, "commands must be JSON with a command field")
		return
	}
	switch cmd.Command {
	case stream.CommandPing:
		if err := g.writeJSON(c, stream.Pong{Type: stream.MessagePong}); err != nil {
			logger.Warn().Err(err).Msg("failed to send pong")
		}
	case stream.CommandSessionInfo:
		info := stream.SessionInfo{
			Type:       stream.MessageSessionInfo,
			SessionID:  sess.ID,
			CreatedAt:  sess.CreatedAt,
			ChunkCount: sess.ChunkCount(),
		}
		if err := g.writeJSON(c, info); err != nil {
			logger.Warn().Err(err).Msg("failed to send session info")
		}
	default:
		g.sendError(c, stream.ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

func (g *Gateway) onChunkFinalized(_ context.Context, ev bus.Event) {
	chunk, ok := ev.Payload.(pipeline.FinalizedChunk)
	if !ok {
		return
	}
	g.mu.RLock()
	c := g.conns[chunk.SessionID]
	g.mu.RUnlock()
	if c == nil {
		// Client already gone; nothing to deliver.
		return
	}
	if err := g.writeJSON(c, encodeFinalized(chunk)); err != nil {
		g.logger.Warn().Err(err).
			Str("session_id", chunk.SessionID).
			Uint64("chunk_id", chunk.ChunkID).
			Msg("failed to deliver finalized chunk")
		return
	}
	g.mu.Lock()
	g.resultsDelivered++
	g.mu.Unlock()
}

// onSessionClosed drops the connection of a session terminated out of band,
// e.g. by DELETE /api/sessions/{id} or the idle sweeper, so no result
// published after the closure can reach the client. Disconnect-initiated
// closures find the registry entry already removed.
func (g *Gateway) onSessionClosed(_ context.Context, ev bus.Event) {
	g.mu.Lock()
	c := g.conns[ev.SessionID]
	delete(g.conns, ev.SessionID)
	g.mu.Unlock()
	if c == nil {
		return
	}
	g.logger.Info().Str("session_id", ev.SessionID).Msg("dropping connection for closed session")
	g.closeConn(c, websocket.CloseNormalClosure, "session closed")
}

func (g *Gateway) sendError(c *conn, code, message string) {
	_ = g.writeJSON(c, stream.Error{Type: stream.MessageError, Code: code, Message: message})
}

// closeConn sends a close frame and drops the transport; the read loop then
// exits and runs its usual cleanup.
func (g *Gateway) closeConn(c *conn, closeCode int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), deadline)
	_ = c.ws.Close()
}

func (g *Gateway) writeJSON(c *conn, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// Stats reports gateway counters.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		OpenConnections:  uint64(len(g.conns)),
		ChunksAccepted:   g.chunksAccepted,
		ChunksRejected:   g.chunksRejected,
		ResultsDelivered: g.resultsDelivered,
	}
}
