package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit is the maximum number of events returned in one catchup
// response. If more were missed the client gets a catchup.overflow message
// telling it to do a full REST reload.
const catchupLimit = 500

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new channel.
const listenTimeout = 10 * time.Second

// CatchupEvent is one stored event row returned by the catchup query. The
// payload is the complete envelope as persisted (event_id included).
type CatchupEvent struct {
	Seq     int64
	Payload []byte
}

// CatchupQuerier queries persisted events for catchup. Implemented by the
// session store.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]CatchupEvent, error)
}

// ConnectionManager owns all WebSocket connections of this process and
// routes broadcast events to channel subscribers.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// channel → set of connection ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchupQuerier CatchupQuerier

	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout      time.Duration
	heartbeatInterval time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions is only touched from the goroutine that owns the
// connection (the read loop and its deferred cleanup), so it needs no lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc

	// closeOnTerminal makes Broadcast close the connection after
	// delivering a session_completed event (per-session streams only).
	closeOnTerminal bool

	// Session streams buffer live events while the snapshot and catchup
	// replay run, so a live event can never overtake an older stored one.
	// Guarded by bufMu; buffering drops to false exactly once, after the
	// buffer is flushed.
	bufMu     sync.Mutex
	buffering bool
	buffered  [][]byte
}

// bufferLive queues a live event while the connection is still replaying.
// Reports whether the event was taken by the buffer.
func (c *Connection) bufferLive(event []byte) bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if !c.buffering {
		return false
	}
	c.buffered = append(c.buffered, event)
	return true
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, writeTimeout, heartbeatInterval time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:       make(map[string]*Connection),
		channels:          make(map[string]map[string]bool),
		catchupQuerier:    catchupQuerier,
		writeTimeout:      writeTimeout,
		heartbeatInterval: heartbeatInterval,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection serves a generic WebSocket connection: the client
// subscribes to channels with explicit messages. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	c := m.newConnection(parentCtx, conn, false)
	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	m.readLoop(c)
}

// SnapshotFunc produces the consistent state snapshot sent to a session
// stream subscriber before catchup. It returns the snapshot envelope whose
// EventID must carry the session's event sequence watermark.
type SnapshotFunc func(ctx context.Context) (Envelope, error)

// HandleSessionStream serves a per-session stream connection: snapshot,
// then catchup from lastEventID, then live events, with periodic
// heartbeats. The connection closes once the terminal session_completed
// event has been delivered, or when the client disconnects.
func (m *ConnectionManager) HandleSessionStream(parentCtx context.Context, conn *websocket.Conn, sessionID string, lastEventID int64, snapshot SnapshotFunc) {
	c := m.newConnection(parentCtx, conn, true)
	m.registerConnection(c)
	defer m.unregisterConnection(c)

	channel := SessionChannel(sessionID)

	// Subscribe before snapshot/catchup so no event published in between
	// is lost; duplicates across the catchup boundary are resolved by the
	// client via event_id.
	if err := m.subscribe(c, channel); err != nil {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "failed to subscribe to channel",
		})
		return
	}

	env, err := snapshot(c.ctx)
	if err != nil {
		slog.Error("Snapshot failed for session stream",
			"session_id", sessionID, "error", err)
		m.sendJSON(c, map[string]string{"type": "error", "message": "snapshot failed"})
		return
	}
	m.sendJSON(c, env)

	lastSeq := m.handleCatchup(c.ctx, c, channel, lastEventID)

	// Live events that arrived during the replay were buffered. Flush them
	// past the replay high-water mark so the client sees one ordered
	// stream: snapshot, catchup, then live.
	highWater := env.EventID
	if lastSeq > highWater {
		highWater = lastSeq
	}
	m.releaseBuffered(c, highWater)

	// If the session was already terminal at snapshot time the subscriber
	// has everything; catchup above delivered the terminal event.
	go m.runHeartbeat(c)
	m.readLoop(c)
}

func (m *ConnectionManager) newConnection(parentCtx context.Context, conn *websocket.Conn, closeOnTerminal bool) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Connection{
		ID:              uuid.New().String(),
		Conn:            conn,
		subscriptions:   make(map[string]bool),
		ctx:             ctx,
		cancel:          cancel,
		closeOnTerminal: closeOnTerminal,
		buffering:       closeOnTerminal,
	}
}

// readLoop processes client messages until the connection closes.
func (m *ConnectionManager) readLoop(c *Connection) {
	for {
		_, data, err := c.Conn.Read(c.ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", c.ID, "error", err)
			continue
		}

		m.handleClientMessage(c.ctx, c, &msg)
	}
}

// runHeartbeat emits heartbeat frames until the connection context ends.
func (m *ConnectionManager) runHeartbeat(c *Connection) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			m.sendJSON(c, map[string]string{
				"type":      EventTypeHeartbeat,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
		}
	}
}

// Broadcast sends an event payload to all connections subscribed to the
// channel. Connections flagged closeOnTerminal are closed after a
// session_completed event is delivered to them.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers, then release the lock before sending:
	// writes may take up to writeTimeout each and must not stall
	// register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	terminal := isTerminalEvent(event)

	for _, conn := range conns {
		if conn.bufferLive(event) {
			continue
		}
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
			continue
		}
		if terminal && conn.closeOnTerminal {
			conn.cancel()
		}
	}
}

// releaseBuffered flushes the live events buffered during replay, dropping
// those with an event_id at or below the replay high-water mark (the
// snapshot or catchup already covered them), then switches the connection
// to direct delivery. Broadcasts block on bufMu while the flush runs, so
// no event can slip past the buffer unordered.
func (m *ConnectionManager) releaseBuffered(c *Connection, highWater int64) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	for _, event := range c.buffered {
		if id, ok := eventID(event); ok && id <= highWater {
			continue
		}
		if err := m.sendRaw(c, event); err != nil {
			slog.Warn("Failed to flush buffered event",
				"connection_id", c.ID, "error", err)
			break
		}
		if c.closeOnTerminal && isTerminalEvent(event) {
			c.cancel()
		}
	}
	c.buffered = nil
	c.buffering = false
}

// eventID extracts the event_id from a raw envelope payload.
func eventID(event []byte) (int64, bool) {
	var head struct {
		EventID *int64 `json:"event_id"`
	}
	if err := json.Unmarshal(event, &head); err != nil || head.EventID == nil {
		return 0, false
	}
	return *head.EventID, true
}

// isTerminalEvent reports whether the raw payload is a session_completed
// envelope. Parsed once per broadcast, not per connection.
func isTerminalEvent(event []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(event, &head); err != nil {
		return false
	}
	return head.Type == EventTypeSessionCompleted
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Auto catch-up so late subscribers miss nothing.
		m.handleCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and starts LISTEN if it is
// the first subscriber. LISTEN completes before subscribe returns, so the
// subsequent catchup runs with LISTEN already active, so events published
// between catchup and LISTEN cannot be lost.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes all subscribers from a channel after a
// LISTEN failure and notifies every affected connection except the
// triggering one (its caller reports the error). Connections that
// subscribed concurrently while LISTEN was in flight saw the channel entry
// already present, skipped LISTEN, and got a false confirmation. They are
// orphaned and must be told to re-subscribe or fall back to REST polling.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a channel and stops LISTEN if it
// was the last subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// Last subscriber left. The goroutine re-checks m.channels
			// before issuing UNLISTEN so a rapid unsubscribe/resubscribe
			// cycle does not drop an active LISTEN.
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted events with seq > lastEventID in order.
// Returns the highest sequence number delivered.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int64) int64 {
	if m.catchupQuerier == nil {
		return lastEventID
	}

	events, err := m.catchupQuerier.GetCatchupEvents(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return lastEventID
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	lastSeq := lastEventID
	terminalSeen := false
	for _, evt := range events {
		if err := m.sendRaw(c, evt.Payload); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return lastSeq
		}
		lastSeq = evt.Seq
		if isTerminalEvent(evt.Payload) {
			terminalSeen = true
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
		return lastSeq
	}

	if terminalSeen && c.closeOnTerminal {
		c.cancel()
	}
	return lastSeq
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes with the configured write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
