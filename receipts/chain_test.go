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

package receipts

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/internal/testlog"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	c := NewMemory(testlog.Logger(t, slog.LevelInfo))
	t.Cleanup(func() { c.Close() })
	return c
}

func inference(user, jobID string) Inference {
	return Inference{
		User:     user,
		JobID:    jobID,
		Worker:   "w1",
		Model:    "llama3.2",
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
		Response: "hello " + jobID,
	}
}

func TestAppendLinksChain(t *testing.T) {
	c := newTestChain(t)

	first, err := c.Append(inference("u1", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.BlockNumber)
	assert.Empty(t, first.PreviousHash)
	assert.Equal(t, first.SealHash(), first.BlockHash)

	second, err := c.Append(inference("u1", "job-2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.BlockNumber)
	assert.Equal(t, first.BlockHash, second.PreviousHash)

	// Chains are per user: another user starts from genesis.
	other, err := c.Append(inference("u2", "job-3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other.BlockNumber)
	assert.Empty(t, other.PreviousHash)
}

func TestVerifyAfterAppend(t *testing.T) {
	c := newTestChain(t)
	for i := 0; i < 5; i++ {
		_, err := c.Append(inference("u1", fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}
	res, err := c.Verify("u1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifyEmptyChain(t *testing.T) {
	c := newTestChain(t)
	res, err := c.Verify("nobody")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifyDetectsTamper(t *testing.T) {
	c := newTestChain(t)
	for i := 1; i <= 3; i++ {
		_, err := c.Append(inference("u1", fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}

	// Mutating the middle receipt's response hash must fail verification at
	// that exact block.
	require.NoError(t, c.tamper("u1", 2, func(r *types.Receipt) {
		r.ResponseHash = types.HashResponse("forged")
	}))

	res, err := c.Verify("u1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(2), res.Block)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	c := newTestChain(t)
	for i := 1; i <= 3; i++ {
		_, err := c.Append(inference("u1", fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.tamper("u1", 3, func(r *types.Receipt) {
		r.PreviousHash = "0000"
	}))

	res, err := c.Verify("u1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(3), res.Block)
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	c := newTestChain(t)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Append(inference("u1", fmt.Sprintf("job-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every append must have observed its true predecessor.
	res, err := c.Verify("u1")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	list, err := c.List("u1", 0, n)
	require.NoError(t, err)
	require.Len(t, list, n)
	assert.Equal(t, uint64(n), list[0].BlockNumber)
}

func TestListNewestFirst(t *testing.T) {
	c := newTestChain(t)
	for i := 1; i <= 5; i++ {
		_, err := c.Append(inference("u1", fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}
	page, err := c.List("u1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(5), page[0].BlockNumber)
	assert.Equal(t, uint64(4), page[1].BlockNumber)

	next, err := c.List("u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, uint64(3), next[0].BlockNumber)
}
