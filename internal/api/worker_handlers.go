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

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/dispatch"
	"github.com/meshinfer/go-meshinfer/metrics"
	"github.com/meshinfer/go-meshinfer/registry"
	"github.com/meshinfer/go-meshinfer/stream"
)

type registerRequest struct {
	ID string `json:"id"`
}

type registerResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// handleRegister mints or rotates a worker secret. Operator-only; the secret
// appears in this response and nowhere else afterwards.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	secret, err := a.reg.Register(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{ID: req.ID, Secret: secret})
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	id := params.ByName("id")
	if err := a.reg.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown_worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatResponse struct {
	Status registry.Status `json:"status"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb registry.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	status, err := a.reg.Heartbeat(workerFrom(r), hb)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	metrics.WorkersLive.Set(float64(a.reg.LiveCount()))
	writeJSON(w, http.StatusOK, heartbeatResponse{Status: status})
}

// handlePoll hands the worker the oldest pending job it can serve.
func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	if !a.pollLimiter(worker).Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}
	models, ok := a.reg.WorkerModels(worker)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	job, err := a.engine.Claim(worker, models)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "claim_failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       job.ID,
		"model":    job.Model,
		"messages": job.Messages,
		"options":  job.Options,
	})
}

type completeRequest struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleComplete applies a terminal-only result from the pull path.
func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	status := types.JobStatus(req.Status)
	if !status.Terminal() {
		writeError(w, http.StatusBadRequest, "status_not_terminal")
		return
	}
	if err := a.engine.Complete(req.ID, status, req.Response, req.Error); err != nil {
		if errors.Is(err, dispatch.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "unknown_job")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type streamFrameResponse struct {
	OK     bool `json:"ok"`
	Offset int  `json:"offset"`
}

// handleStreamFrame is the pull-path producer endpoint: one delta per signed
// request, applied through the same rule as push tokens.
func (a *API) handleStreamFrame(w http.ResponseWriter, r *http.Request) {
	var frame types.ProducerFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil || frame.JobID == "" {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	offset, err := a.streams.Apply(&frame)
	if err != nil {
		var offErr *stream.OffsetError
		switch {
		case errors.As(err, &offErr):
			writeJSON(w, http.StatusConflict, errorBody{Error: "offset_mismatch", Expected: &offErr.Expected})
		case errors.Is(err, stream.ErrUnknownJob):
			writeError(w, http.StatusNotFound, "unknown_job")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, streamFrameResponse{OK: true, Offset: offset})
}
