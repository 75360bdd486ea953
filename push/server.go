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

// Package push runs the worker-facing bidirectional channel.
//
// Workers open a long-lived websocket authenticated by a one-time token
// derived from their registration secret. Jobs travel server→worker on the
// channel; token, completion and heartbeat frames travel back and are routed
// into the same subsystems the pull path uses.
package push

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshinfer/go-meshinfer/auth"
	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/dispatch"
	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/registry"
	"github.com/meshinfer/go-meshinfer/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Workers connect from anywhere; the handshake token is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades and serves worker push channels.
type Server struct {
	reg     *registry.Registry
	streams *stream.Manager
	engine  *dispatch.Engine
	log     log.Logger
}

// NewServer wires the push endpoint over its collaborators.
func NewServer(reg *registry.Registry, streams *stream.Manager, engine *dispatch.Engine, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	return &Server{reg: reg, streams: streams, engine: engine, log: logger}
}

// ServeHTTP handles the push-channel handshake: one-time token check,
// upgrade, registry attach, registered ack.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, ts, token := q.Get("id"), q.Get("ts"), q.Get("token")
	if err := auth.VerifyConnectToken(s.reg, id, ts, token, time.Now()); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Push channel upgrade failed", "worker", id, "err", err)
		return
	}
	conn := newConn(id, ws, s)
	if err := s.reg.AttachConn(id, conn); err != nil {
		conn.Close()
		return
	}
	s.log.Info("Worker push channel open", "worker", id)

	conn.sendFrame(&types.RegisteredFrame{Type: types.MsgRegistered, NodeID: id})
	go conn.writePump()
	go conn.readPump()
}

// handleFrame routes one worker frame.
func (s *Server) handleFrame(c *Conn, data []byte) {
	msgType, err := types.PeekType(data)
	if err != nil {
		s.log.Warn("Malformed push frame", "worker", c.id, "err", err)
		return
	}
	switch msgType {
	case types.MsgToken:
		s.handleToken(c, data)
	case types.MsgJobComplete:
		var frame types.JobCompleteFrame
		if err := unmarshalFrame(data, &frame); err != nil {
			s.log.Warn("Malformed job_complete frame", "worker", c.id, "err", err)
			return
		}
		if err := s.engine.Complete(frame.JobID, types.JobCompleted, frame.Response, ""); err != nil {
			s.log.Warn("Push completion rejected", "worker", c.id, "job", frame.JobID, "err", err)
		}
	case types.MsgJobError:
		var frame types.JobErrorFrame
		if err := unmarshalFrame(data, &frame); err != nil {
			s.log.Warn("Malformed job_error frame", "worker", c.id, "err", err)
			return
		}
		if err := s.engine.Complete(frame.JobID, types.JobFailed, "", frame.Error); err != nil {
			s.log.Warn("Push failure rejected", "worker", c.id, "job", frame.JobID, "err", err)
		}
	case types.MsgHeartbeat:
		var frame types.HeartbeatFrame
		if err := unmarshalFrame(data, &frame); err != nil {
			return
		}
		s.reg.Heartbeat(c.id, registry.Heartbeat{
			Models:  frame.Models,
			Ready:   frame.Ready,
			Region:  frame.Region,
			Runtime: frame.Runtime,
		})
	case types.MsgStatus:
		var frame types.StatusFrame
		if err := unmarshalFrame(data, &frame); err != nil {
			return
		}
		s.log.Debug("Worker status", "worker", c.id, "status", frame.Status)
	default:
		s.log.Warn("Unknown push frame type", "worker", c.id, "type", msgType)
	}
}

// handleToken translates a push token frame into producer frames for the
// multiplexer. Reasoning and response channels are applied separately, the
// terminal marker riding on the response apply.
func (s *Server) handleToken(c *Conn, data []byte) {
	var frame types.TokenFrame
	if err := unmarshalFrame(data, &frame); err != nil {
		s.log.Warn("Malformed token frame", "worker", c.id, "err", err)
		return
	}
	if frame.Reasoning != "" {
		reasoning := frame.Reasoning
		if _, err := s.streams.Apply(&types.ProducerFrame{
			JobID:       frame.JobID,
			Delta:       &reasoning,
			ContentType: types.ContentReasoning,
		}); err != nil {
			s.log.Warn("Reasoning delta rejected", "worker", c.id, "job", frame.JobID, "err", err)
		}
	}
	if frame.Token != "" || frame.Done {
		token := frame.Token
		if _, err := s.streams.Apply(&types.ProducerFrame{
			JobID: frame.JobID,
			Delta: &token,
			Done:  frame.Done,
		}); err != nil {
			s.log.Warn("Token delta rejected", "worker", c.id, "job", frame.JobID, "err", err)
		}
	}
}

func unmarshalFrame(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
