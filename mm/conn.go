package mm

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound payloads.
	maxMessageSize = 1 << 20
	// sendBuffer is the outbound queue depth per connection.
	sendBuffer = 64
)

// Conn is one authenticated market maker connection. Outbound messages are
// serialized through a single writer goroutine so envelope sequence numbers
// are strictly increasing on the wire.
type Conn struct {
	mmID      uuid.UUID
	sessionID uuid.UUID
	ws        *websocket.Conn
	logger    *logrus.Logger

	send     chan []byte
	sequence atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// newConn wraps an upgraded websocket connection.
func newConn(mmID uuid.UUID, ws *websocket.Conn, logger *logrus.Logger) *Conn {
	return &Conn{
		mmID:      mmID,
		sessionID: uuid.New(),
		ws:        ws,
		logger:    logger,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// MMID returns the market maker identity bound to this connection.
func (c *Conn) MMID() uuid.UUID {
	return c.mmID
}

// SessionID returns the identity of this particular connection.
func (c *Conn) SessionID() uuid.UUID {
	return c.sessionID
}

// Send enqueues a payload, wrapped in a sequenced envelope, for delivery.
//
// Parameters:
// - payload: the payload struct to send.
//
// Returns:
// - error: an error if the connection is closed or the queue is full.
func (c *Conn) Send(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	envelope := Envelope{
		Version:  ProtocolVersion,
		Sequence: c.sequence.Add(1),
		Payload:  raw,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope")
	}

	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.send <- data:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump consumes inbound envelopes until the connection dies, handing
// decoded payloads to the registry. It runs in its own goroutine.
func (c *Conn) readPump(registry *Registry) {
	defer func() {
		registry.unregister(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Highest inbound sequence accepted so far. A duplicate or regressing
	// sequence is a protocol violation and the envelope is discarded.
	lastSequence := uint64(0)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithFields(logrus.Fields{
					"mmID":  c.mmID,
					"error": err,
				}).Warn("Market maker connection terminated unexpectedly")
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.WithFields(logrus.Fields{
				"mmID":  c.mmID,
				"error": err,
			}).Warn("Discarding malformed envelope")
			continue
		}

		if !CompatibleVersion(envelope.Version) {
			c.logger.WithFields(logrus.Fields{
				"mmID":    c.mmID,
				"version": envelope.Version,
			}).Warn("Discarding envelope with incompatible protocol version")
			continue
		}

		if envelope.Sequence <= lastSequence {
			c.logger.WithFields(logrus.Fields{
				"mmID":         c.mmID,
				"sequence":     envelope.Sequence,
				"lastSequence": lastSequence,
			}).Warn("Discarding envelope with duplicate or regressing sequence")
			continue
		}
		lastSequence = envelope.Sequence

		resp, err := DecodeResponse(envelope.Payload)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"mmID":  c.mmID,
				"error": err,
			}).Warn("Discarding undecodable payload")

			// Tell the peer which request failed when we can identify it.
			c.sendDecodeError(envelope.Payload)
			continue
		}

		registry.handleResponse(c.mmID, resp)
	}
}

// sendDecodeError reports an unparseable payload back to the peer.
func (c *Conn) sendDecodeError(payload []byte) {
	var header struct {
		RequestID uuid.UUID `json:"request_id"`
	}
	// Best effort correlation; a zero id is still delivered.
	_ = json.Unmarshal(payload, &header)

	_ = c.Send(&ErrorResponse{
		Type:      TypeError,
		RequestID: header.RequestID,
		ErrorCode: ErrCodeInvalidRequest,
		Message:   "unrecognized payload",
		Timestamp: time.Now().UTC(),
	})
}

// writePump owns all writes to the websocket, including keepalive pings.
// It runs in its own goroutine.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
