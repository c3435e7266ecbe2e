package api

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	outboundBuffer = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsConn adapts a websocket to session.Conn. Data frames and ping requests
// are queued for a single writer goroutine, so Send and Ping never wait on
// the socket.
type wsConn struct {
	ws     *websocket.Conn
	out    chan []byte
	ping   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *log.Logger
}

func newWSConn(ws *websocket.Conn, logger *log.Logger) *wsConn {
	c := &wsConn{
		ws:     ws,
		out:    make(chan []byte, outboundBuffer),
		ping:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	for {
		// Pending probes go out ahead of queued data.
		select {
		case <-c.ping:
			if !c.writePing() {
				return
			}
			continue
		default:
		}
		select {
		case <-c.done:
			return
		case <-c.ping:
			if !c.writePing() {
				return
			}
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.WithError(err).Debug("websocket write failed")
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsConn) writePing() bool {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.logger.WithError(err).Debug("websocket ping failed")
		c.shutdown()
		return false
	}
	return true
}

func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) Ping() error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	// A probe already pending covers this one.
	select {
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the writer and tears the socket down in the background after a
// best-effort close frame with code and reason. Later calls are no-ops.
func (c *wsConn) Close(code int, reason string) error {
	c.once.Do(func() {
		close(c.done)
		go func() {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
			_ = c.ws.Close()
		}()
	})
	return nil
}

func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeHandshake rejects an upgraded connection before a session exists.
func closeHandshake(ws *websocket.Conn, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}
