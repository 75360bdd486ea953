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

package node

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshinfer/go-meshinfer/internal/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig
	cfg.HTTPHost = "127.0.0.1"
	cfg.HTTPPort = 0
	cfg.OperatorToken = "op-secret"
	return cfg
}

func TestNodeLifecycle(t *testing.T) {
	logger := testlog.Logger(t, slog.LevelInfo)
	n, err := New(testConfig(), logger)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Stop()

	endpoint := n.HTTPEndpoint()
	require.NotEmpty(t, endpoint)

	// The operator can mint a worker over the live server.
	req, _ := http.NewRequest(http.MethodPost, endpoint+"/nodes/register", strings.NewReader(`{"id":"w1"}`))
	req.Header.Set("Authorization", "Bearer op-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.NotEmpty(t, reply.Secret)

	// The metrics endpoint is wired.
	mresp, err := http.Get(endpoint + "/debug/metrics/prometheus")
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestDataDirLock(t *testing.T) {
	logger := testlog.Logger(t, slog.LevelInfo)
	cfg := testConfig()
	cfg.DataDir = t.TempDir()

	first, err := New(cfg, logger)
	require.NoError(t, err)
	defer first.Stop()

	// A second instance over the same datadir must refuse to start.
	_, err = New(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestJWTSecretValidation(t *testing.T) {
	logger := testlog.Logger(t, slog.LevelInfo)
	cfg := testConfig()
	cfg.JWTSecret = "nothex"
	_, err := New(cfg, logger)
	require.Error(t, err)
}
