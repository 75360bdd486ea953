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

// Package auth implements HMAC request authentication for worker nodes.
//
// Every worker-origin request carries the worker id, a unix-seconds timestamp
// and a hex signature over the raw body concatenated with the ASCII
// timestamp, keyed by the worker's registration secret. The protocol makes no
// transport security assumptions; running it over TLS is the operator's call.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Header names carried by signed worker requests.
const (
	HeaderNodeID    = "X-Node-Id"
	HeaderTimestamp = "X-Node-Ts"
	HeaderSignature = "X-Node-Auth"
)

// MaxClockSkew bounds how far a request timestamp may drift from server wall
// clock before the request is treated as a replay.
const MaxClockSkew = 120 * time.Second

// ErrUnauthorized is returned for any authentication failure. The cause is
// deliberately not distinguished to callers.
var ErrUnauthorized = errors.New("unauthorized")

// SecretStore resolves a worker id to its HMAC secret.
type SecretStore interface {
	Secret(id string) ([]byte, bool)
}

// Sign computes the hex signature for a request body at the given
// unix-seconds timestamp.
func Sign(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signed worker request against the store. All failure modes
// collapse into ErrUnauthorized.
func Verify(store SecretStore, id, tsHeader, sigHeader string, body []byte, now time.Time) error {
	if id == "" || tsHeader == "" || sigHeader == "" {
		return ErrUnauthorized
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrUnauthorized
	}
	if drift := now.Unix() - ts; drift > int64(MaxClockSkew/time.Second) || -drift > int64(MaxClockSkew/time.Second) {
		return ErrUnauthorized
	}
	secret, ok := store.Secret(id)
	if !ok {
		return ErrUnauthorized
	}
	supplied, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		return ErrUnauthorized
	}
	return nil
}

// ConnectToken derives the one-time token a worker presents when opening its
// push channel. The token is bound to the worker id and a timestamp, so it
// expires with the same freshness window as signed requests.
func ConnectToken(secret []byte, id string, ts int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("ws-connect:" + id + ":" + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyConnectToken checks a push-channel handshake token.
func VerifyConnectToken(store SecretStore, id, tsQuery, token string, now time.Time) error {
	if id == "" || tsQuery == "" || token == "" {
		return ErrUnauthorized
	}
	ts, err := strconv.ParseInt(tsQuery, 10, 64)
	if err != nil {
		return ErrUnauthorized
	}
	if drift := now.Unix() - ts; drift > int64(MaxClockSkew/time.Second) || -drift > int64(MaxClockSkew/time.Second) {
		return ErrUnauthorized
	}
	secret, ok := store.Secret(id)
	if !ok {
		return ErrUnauthorized
	}
	supplied, err := hex.DecodeString(token)
	if err != nil {
		return ErrUnauthorized
	}
	expected, _ := hex.DecodeString(ConnectToken(secret, id, ts))
	if !hmac.Equal(supplied, expected) {
		return ErrUnauthorized
	}
	return nil
}
