package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"canvas-collab/collab"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	sendBufferSize = 64
)

var (
	errSendQueueFull = errors.New("send queue full")
	errConnClosed    = errors.New("connection closed")
)

// envelope is the frame format of the plain websocket transport:
// {"type": "<event>", "data": {...}} in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler serves the collaboration protocol over plain websockets for clients
// that do not speak socket.io.
type Handler struct {
	hub      *collab.Hub
	upgrader gorillaws.Upgrader
}

func NewHandler(hub *collab.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     allowOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	conn := newWSConn(uuid.NewString(), socket)
	session := h.hub.Connect(conn)
	logrus.WithField("conn", conn.id).Debug("Websocket connected")

	go conn.writeLoop()
	conn.readLoop(session)
}

type wsConn struct {
	id     string
	socket *gorillaws.Conn
	send   chan collab.Event
	done   chan struct{}
	once   sync.Once
}

func newWSConn(id string, socket *gorillaws.Conn) *wsConn {
	return &wsConn{
		id:     id,
		socket: socket,
		send:   make(chan collab.Event, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues ev without blocking.
func (c *wsConn) Send(ev collab.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close stops the write loop, which flushes what is queued and then closes the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) readLoop(session *collab.Session) {
	log := logrus.WithField("conn", c.id)
	defer func() {
		session.Close()
		_ = c.Close()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				log.WithError(err).Debug("Unexpected websocket close")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.WithError(err).Debug("Ignoring malformed frame")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err = session.Dispatch(ctx, env.Type, func(v any) error {
			if len(env.Data) == 0 {
				return errMissingPayload
			}
			return json.Unmarshal(env.Data, v)
		})
		cancel()
		if err != nil {
			log.WithFields(logrus.Fields{"event": env.Type, "reason": collab.ReasonOf(err)}).WithError(err).Debug("Event rejected")
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, such as a final roomClosed.
func (c *wsConn) flush() {
	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ev collab.Event) error {
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteJSON(ev)
}
