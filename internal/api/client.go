package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/terminal"
)

const (
	writeWait   = 10 * time.Second
	sendBacklog = 256
)

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	terminals map[string]bool
	wg        sync.WaitGroup
}

func newClient(id string, conn *websocket.Conn, logger *log.Entry) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, sendBacklog),
		log:       logger.WithField("client", id),
		ctx:       ctx,
		cancel:    cancel,
		terminals: make(map[string]bool),
	}
}

// deliver queues msg. It blocks while the send buffer is full and gives up
// once the client is gone.
func (c *client) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("failed to encode message")
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) forwardEvents(sub *events.Subscription) {
	defer c.wg.Done()
	defer sub.Close()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.deliver(Message{Type: TypeEvent, Event: &ev})
		case <-c.ctx.Done():
			return
		}
	}
}

// pumpTerminal streams a terminal's output in order until it closes.
func (c *client) pumpTerminal(t *terminal.Terminal) {
	c.mu.Lock()
	if c.terminals[t.ID()] {
		c.mu.Unlock()
		return
	}
	c.terminals[t.ID()] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var carry runeCarry
		for {
			select {
			case chunk, ok := <-t.Output():
				if !ok {
					if rest := carry.flush(); rest != "" {
						c.deliver(Message{Type: TypeTerminalOutput, TerminalID: t.ID(), Data: rest})
					}
					return
				}
				if data := carry.feed(chunk); data != "" {
					c.deliver(Message{Type: TypeTerminalOutput, TerminalID: t.ID(), Data: data})
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// runeCarry holds back a multi-byte character split across reads so each
// message carries whole characters.
type runeCarry struct {
	pending []byte
}

func (rc *runeCarry) feed(chunk []byte) string {
	buf := append(rc.pending, chunk...)
	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	rc.pending = append([]byte(nil), buf[cut:]...)
	return string(buf[:cut])
}

func (rc *runeCarry) flush() string {
	rest := string(rc.pending)
	rc.pending = nil
	return rest
}

func (c *client) close() {
	c.cancel()
	c.wg.Wait()
}
