// Copyright 2025 The go-meshinfer Authors
// This file is part of the go-meshinfer library.
//
// The go-meshinfer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-meshinfer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-meshinfer library. If not, see <http://www.gnu.org/licenses/>.

package push

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshinfer/go-meshinfer/core/types"
)

const (
	// writeWait is the time allowed to write a frame to the worker.
	writeWait = 10 * time.Second

	// pongWait is the worker heartbeat timeout; a channel silent for longer
	// is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod is the server ping cadence. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// maxMessageSize bounds a single worker frame.
	maxMessageSize = 1 << 20

	// sendQueueSize bounds frames queued towards one worker.
	sendQueueSize = 64
)

var errConnClosed = errors.New("push channel closed")

// Conn is one worker's push channel. It satisfies registry.Conn so the
// dispatcher can hand jobs straight to it.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	srv  *Server

	once sync.Once
	done chan struct{}
}

func newConn(id string, ws *websocket.Conn, srv *Server) *Conn {
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		srv:  srv,
		done: make(chan struct{}),
	}
}

// SendJob queues a job envelope on the channel.
func (c *Conn) SendJob(env *types.JobEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- data:
		return nil
	default:
		return errConnClosed
	}
}

// sendFrame queues an arbitrary frame, dropping it if the channel is wedged.
func (c *Conn) sendFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

// Close tears the channel down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	return nil
}

// readPump consumes worker frames until the channel dies, then detaches the
// worker from the registry so its in-flight jobs get failed.
func (c *Conn) readPump() {
	defer func() {
		c.srv.reg.DetachConn(c.id, c)
		c.Close()
		c.srv.log.Info("Worker push channel closed", "worker", c.id)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Warn("Push channel read error", "worker", c.id, "err", err)
			}
			return
		}
		// Any inbound frame proves liveness.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.srv.handleFrame(c, message)
	}
}

// writePump drains the send queue and keeps the channel alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.srv.log.Warn("Push channel write error", "worker", c.id, "err", err)
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
