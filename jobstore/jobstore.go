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

// Package jobstore persists inference jobs and serves the pending queue.
//
// The store keeps two keyspaces in one leveldb instance: full job records
// under their id, and a creation-ordered index of pending jobs that ClaimNext
// walks. All writes and the claim scan run under one store mutex, which is
// what makes concurrent claims of the same job resolve to exactly one winner.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/log"
)

const (
	jobPrefix   = "j/"
	queuePrefix = "q/"

	// jobCacheSize bounds the read cache in front of leveldb.
	jobCacheSize = 1024
)

var (
	// ErrNotFound is returned when no job exists under the requested id.
	ErrNotFound = errors.New("unknown job")

	// ErrTerminal is returned for transitions out of a terminal state.
	ErrTerminal = errors.New("job already terminal")
)

// Store is a durable job queue.
type Store struct {
	mu    sync.Mutex
	db    *leveldb.DB
	cache *lru.Cache
	log   log.Logger
}

// New opens a job store at the given path.
func New(path string, logger log.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return newStore(db, logger), nil
}

// NewMemory opens an in-memory job store, used by tests and ephemeral runs.
func NewMemory(logger log.Logger) *Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err) // memory storage cannot fail to open
	}
	return newStore(db, logger)
}

func newStore(db *leveldb.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root()
	}
	cache, _ := lru.New(jobCacheSize)
	return &Store{db: db, cache: cache, log: logger}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new pending job and enqueues it for claiming.
func (s *Store) Create(user, model string, messages []types.ChatMessage, options json.RawMessage) (*types.Job, error) {
	now := time.Now()
	job := &types.Job{
		ID:        uuid.NewString(),
		User:      user,
		Model:     model,
		Messages:  messages,
		Options:   options,
		Status:    types.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	enc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	batch.Put(jobKey(job.ID), enc)
	batch.Put(queueKey(job), []byte(job.ID))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	s.cache.Add(job.ID, job.Copy())
	s.log.Debug("Created job", "job", job.ID, "user", user, "model", model)
	return job.Copy(), nil
}

// ClaimNext atomically assigns the oldest eligible pending job to the worker.
// Eligibility means the job's model is among the worker's declared models.
// Returns nil without error when nothing is claimable.
func (s *Store) ClaimNext(workerID string, models []string) (*types.Job, error) {
	serving := mapset.NewSet(models...)

	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		id := string(iter.Value())
		job, err := s.getLocked(id)
		if err != nil || job.Status != types.JobPending {
			// Orphaned index entry, drop it and move on.
			s.db.Delete(append([]byte{}, iter.Key()...), nil)
			continue
		}
		if !serving.Contains(job.Model) {
			continue
		}
		job.Status = types.JobAssigned
		job.Worker = workerID
		job.UpdatedAt = time.Now()

		enc, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("encode job: %w", err)
		}
		batch := new(leveldb.Batch)
		batch.Put(jobKey(id), enc)
		batch.Delete(queueKey(job))
		if err := s.db.Write(batch, nil); err != nil {
			return nil, fmt.Errorf("persist claim: %w", err)
		}
		s.cache.Add(id, job.Copy())
		s.log.Debug("Job claimed", "job", id, "worker", workerID)
		return job, nil
	}
	return nil, iter.Error()
}

// UpdateStatus moves a job to a new state, recording the final response or
// error on terminal transitions. Transitions out of a terminal state are
// rejected with ErrTerminal.
func (s *Store) UpdateStatus(id string, status types.JobStatus, response, errstr string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrTerminal
	}
	wasPending := job.Status == types.JobPending

	job.Status = status
	job.UpdatedAt = time.Now()
	switch status {
	case types.JobCompleted:
		job.Response = response
	case types.JobFailed:
		job.Error = errstr
	}

	enc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(jobKey(id), enc)
	if wasPending && status != types.JobPending {
		batch.Delete(queueKey(job))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("persist status: %w", err)
	}
	s.cache.Add(id, job.Copy())
	return job, nil
}

// AssignWorker marks a pending job assigned to the given worker. It is the
// push-path counterpart of ClaimNext.
func (s *Store) AssignWorker(id, workerID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrTerminal
	}
	job.Status = types.JobAssigned
	job.Worker = workerID
	job.UpdatedAt = time.Now()

	enc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(jobKey(id), enc)
	batch.Delete(queueKey(job))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("persist assignment: %w", err)
	}
	s.cache.Add(id, job.Copy())
	return job, nil
}

// Get returns the job under id, or ErrNotFound.
func (s *Store) Get(id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*types.Job, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(*types.Job).Copy(), nil
	}
	enc, err := s.db.Get(jobKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	job := new(types.Job)
	if err := json.Unmarshal(enc, job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	s.cache.Add(id, job.Copy())
	return job, nil
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// queueKey orders pending jobs by creation instant, with the id breaking
// ties. Lexicographic iteration over the prefix is FIFO.
func queueKey(job *types.Job) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", queuePrefix, job.CreatedAt.UnixNano(), job.ID))
}
