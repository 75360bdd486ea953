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

// Package receipts maintains the per-user append-only hash-linked log of
// delivered inferences.
//
// Each receipt commits to its request, response and predecessor; the chain
// for one user is a single-ancestor sequence whose links can be verified
// offline from stored fields alone. Appends for the same user serialize so
// every receipt observes its true predecessor.
package receipts

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/metrics"
)

const (
	receiptPrefix = "r/"
	latestPrefix  = "latest/"

	// latestCacheSize bounds the per-user head-of-chain cache.
	latestCacheSize = 512
)

// Inference is the completed-job payload handed over by the stream
// multiplexer.
type Inference struct {
	User         string
	JobID        string
	Worker       string
	Model        string
	Messages     []types.ChatMessage
	Response     string
	ProcessingMs int64
	TokenCount   int
}

// VerifyResult reports a chain verification. Block is the offending block
// number when Valid is false.
type VerifyResult struct {
	Valid   bool   `json:"chainValid"`
	Block   uint64 `json:"block,omitempty"`
	Message string `json:"message"`
}

// Chain is the receipt store.
type Chain struct {
	db     *leveldb.DB
	latest *lru.Cache

	mu    sync.Mutex
	users map[string]*sync.Mutex

	log log.Logger
}

// New opens a receipt chain at the given path.
func New(path string, logger log.Logger) (*Chain, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open receipt store: %w", err)
	}
	return newChain(db, logger), nil
}

// NewMemory opens an in-memory receipt chain for tests and ephemeral runs.
func NewMemory(logger log.Logger) *Chain {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return newChain(db, logger)
}

func newChain(db *leveldb.DB, logger log.Logger) *Chain {
	if logger == nil {
		logger = log.Root()
	}
	cache, _ := lru.New(latestCacheSize)
	return &Chain{
		db:     db,
		latest: cache,
		users:  make(map[string]*sync.Mutex),
		log:    logger,
	}
}

// Close releases the underlying database.
func (c *Chain) Close() error {
	return c.db.Close()
}

// userLock returns the serialization mutex for one user's chain.
func (c *Chain) userLock(user string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.users[user]
	if !ok {
		mu = new(sync.Mutex)
		c.users[user] = mu
	}
	return mu
}

// Append seals a new receipt onto the user's chain. One timestamp is chosen
// per receipt and used for both hashing and storage, so later verification
// recomputes the identical digest.
func (c *Chain) Append(inf Inference) (*types.Receipt, error) {
	mu := c.userLock(inf.User)
	mu.Lock()
	defer mu.Unlock()

	head, err := c.head(inf.User)
	if err != nil {
		return nil, err
	}
	var (
		prevHash string
		number   uint64 = 1
	)
	if head != nil {
		prevHash = head.BlockHash
		number = head.BlockNumber + 1
	}
	r := &types.Receipt{
		ID:           uuid.NewString(),
		User:         inf.User,
		InferenceID:  inf.JobID,
		Worker:       inf.Worker,
		Model:        inf.Model,
		RequestHash:  types.HashRequest(inf.Messages),
		ResponseHash: types.HashResponse(inf.Response),
		PreviousHash: prevHash,
		BlockNumber:  number,
		Status:       string(types.JobCompleted),
		ProcessingMs: inf.ProcessingMs,
		TokenCount:   inf.TokenCount,
		Timestamp:    time.Now().UTC(),
	}
	r.BlockHash = r.SealHash()

	enc, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(receiptKey(inf.User, number), enc)
	batch.Put(latestKey(inf.User), enc)
	if err := c.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("persist receipt: %w", err)
	}
	c.latest.Add(inf.User, r)
	metrics.ReceiptsAppended.Inc()
	c.log.Debug("Appended receipt", "user", inf.User, "block", number, "job", inf.JobID)
	return r, nil
}

// head returns the user's newest receipt, or nil for an empty chain.
func (c *Chain) head(user string) (*types.Receipt, error) {
	if cached, ok := c.latest.Get(user); ok {
		return cached.(*types.Receipt), nil
	}
	enc, err := c.db.Get(latestKey(user), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	r := new(types.Receipt)
	if err := json.Unmarshal(enc, r); err != nil {
		return nil, fmt.Errorf("decode chain head: %w", err)
	}
	c.latest.Add(user, r)
	return r, nil
}

// Verify recomputes every block hash and predecessor link of the user's
// chain in block order.
func (c *Chain) Verify(user string) (VerifyResult, error) {
	iter := c.db.NewIterator(util.BytesPrefix([]byte(receiptPrefix+user+"/")), nil)
	defer iter.Release()

	var (
		prevHash string
		count    uint64
	)
	for iter.Next() {
		r := new(types.Receipt)
		if err := json.Unmarshal(iter.Value(), r); err != nil {
			return VerifyResult{}, fmt.Errorf("decode receipt: %w", err)
		}
		count++
		if r.PreviousHash != prevHash {
			return VerifyResult{
				Valid:   false,
				Block:   r.BlockNumber,
				Message: fmt.Sprintf("broken link at block %d", r.BlockNumber),
			}, nil
		}
		if got := r.SealHash(); got != r.BlockHash {
			return VerifyResult{
				Valid:   false,
				Block:   r.BlockNumber,
				Message: fmt.Sprintf("hash mismatch at block %d", r.BlockNumber),
			}, nil
		}
		prevHash = r.BlockHash
	}
	if err := iter.Error(); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Valid: true, Message: fmt.Sprintf("chain of %d receipts intact", count)}, nil
}

// List returns a page of the user's receipts, newest first.
func (c *Chain) List(user string, offset, limit int) ([]*types.Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := c.db.NewIterator(util.BytesPrefix([]byte(receiptPrefix+user+"/")), nil)
	defer iter.Release()

	var out []*types.Receipt
	skipped := 0
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		r := new(types.Receipt)
		if err := json.Unmarshal(iter.Value(), r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func receiptKey(user string, number uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", receiptPrefix, user, number))
}

func latestKey(user string) []byte {
	return []byte(latestPrefix + user)
}
