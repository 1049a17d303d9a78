package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// KnownPeerRecord is the persisted bookkeeping this node keeps about a peer
// address it has learned about, independent of whether it's connected right
// now (spec.md §5/§9).
type KnownPeerRecord struct {
	Address         string    `json:"address"`
	LastConnected   time.Time `json:"lastConnected"`
	LastAttempted   time.Time `json:"lastAttempted"`
	LastConnectFail bool      `json:"lastConnectFail"`
	AddedAt         time.Time `json:"addedAt"`
}

// Repository is the narrow persistence seam the networking core consumes;
// the node owns the concrete implementation and its transaction/locking
// semantics. TryRepository must never block; GetRepository may.
type Repository interface {
	TryRepository() (RepositoryTx, bool)
	GetRepository() (RepositoryTx, error)
}

// RepositoryTx is a bounded unit of work against the peer store. Callers
// must always call Discard (directly, or implicitly via Commit).
type RepositoryTx interface {
	AllKnownPeers() ([]KnownPeerRecord, error)
	SaveKnownPeer(rec KnownPeerRecord) error
	DeleteKnownPeer(address string) error
	Commit() error
	Discard()
}

// LevelDBRepository persists known peers to a LevelDB database, in the same
// shape as the node's other on-disk stores: an in-memory index mirrors the
// database so readers never block on disk I/O, and every mutation is
// written through immediately.
type LevelDBRepository struct {
	mu sync.Mutex
	db *leveldb.DB

	byAddr map[string]KnownPeerRecord
}

// NewLevelDBRepository opens (or creates) a peer repository at path.
func NewLevelDBRepository(path string) (*LevelDBRepository, error) {
	if path == "" {
		return nil, errors.New("p2p: repository path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, wrapErr(ErrorPersistence, "", fmt.Errorf("open repository: %w", err))
	}
	r := &LevelDBRepository{db: db, byAddr: make(map[string]KnownPeerRecord)}
	if err := r.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *LevelDBRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	iter := r.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var rec KnownPeerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return wrapErr(ErrorPersistence, "", fmt.Errorf("decode known peer: %w", err))
		}
		r.byAddr[rec.Address] = rec
	}
	return iter.Error()
}

// Close flushes and closes the underlying database.
func (r *LevelDBRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// TryRepository acquires the repository lock without blocking. It returns
// (nil, false) while another transaction holds the lock; this preserves the
// try/block distinction the networking core relies on for its non-blocking
// merge/prune paths.
func (r *LevelDBRepository) TryRepository() (RepositoryTx, bool) {
	if !r.mu.TryLock() {
		return nil, false
	}
	return &levelDBTx{repo: r}, true
}

// GetRepository acquires the repository lock, blocking if necessary.
func (r *LevelDBRepository) GetRepository() (RepositoryTx, error) {
	r.mu.Lock()
	return &levelDBTx{repo: r}, nil
}

type levelDBTx struct {
	repo      *LevelDBRepository
	discarded bool
}

func (tx *levelDBTx) AllKnownPeers() ([]KnownPeerRecord, error) {
	out := make([]KnownPeerRecord, 0, len(tx.repo.byAddr))
	for _, rec := range tx.repo.byAddr {
		out = append(out, rec)
	}
	return out, nil
}

func (tx *levelDBTx) SaveKnownPeer(rec KnownPeerRecord) error {
	if rec.Address == "" {
		return errors.New("p2p: known peer record requires an address")
	}
	if rec.AddedAt.IsZero() {
		if existing, ok := tx.repo.byAddr[rec.Address]; ok {
			rec.AddedAt = existing.AddedAt
		}
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return wrapErr(ErrorPersistence, "", err)
	}
	if tx.repo.db == nil {
		return wrapErr(ErrorPersistence, "", errors.New("repository closed"))
	}
	if err := tx.repo.db.Put([]byte("peer:"+rec.Address), blob, nil); err != nil {
		return wrapErr(ErrorPersistence, "", err)
	}
	tx.repo.byAddr[rec.Address] = rec
	return nil
}

func (tx *levelDBTx) DeleteKnownPeer(address string) error {
	if tx.repo.db == nil {
		return wrapErr(ErrorPersistence, "", errors.New("repository closed"))
	}
	if err := tx.repo.db.Delete([]byte("peer:"+address), nil); err != nil {
		return wrapErr(ErrorPersistence, "", err)
	}
	delete(tx.repo.byAddr, address)
	return nil
}

func (tx *levelDBTx) Commit() error {
	tx.Discard()
	return nil
}

func (tx *levelDBTx) Discard() {
	if tx.discarded {
		return
	}
	tx.discarded = true
	tx.repo.mu.Unlock()
}

// MemoryRepository is an in-memory Repository for tests. It keeps the same
// locking contract as LevelDBRepository: TryRepository fails and
// GetRepository blocks while another transaction is open.
type MemoryRepository struct {
	mu     sync.Mutex
	byAddr map[string]KnownPeerRecord
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byAddr: make(map[string]KnownPeerRecord)}
}

func (r *MemoryRepository) TryRepository() (RepositoryTx, bool) {
	if !r.mu.TryLock() {
		return nil, false
	}
	return &memoryTx{repo: r}, true
}

func (r *MemoryRepository) GetRepository() (RepositoryTx, error) {
	r.mu.Lock()
	return &memoryTx{repo: r}, nil
}

type memoryTx struct {
	repo      *MemoryRepository
	discarded bool
}

func (tx *memoryTx) AllKnownPeers() ([]KnownPeerRecord, error) {
	out := make([]KnownPeerRecord, 0, len(tx.repo.byAddr))
	for _, rec := range tx.repo.byAddr {
		out = append(out, rec)
	}
	return out, nil
}

func (tx *memoryTx) SaveKnownPeer(rec KnownPeerRecord) error {
	if rec.Address == "" {
		return errors.New("p2p: known peer record requires an address")
	}
	if rec.AddedAt.IsZero() {
		if existing, ok := tx.repo.byAddr[rec.Address]; ok {
			rec.AddedAt = existing.AddedAt
		}
	}
	tx.repo.byAddr[rec.Address] = rec
	return nil
}

func (tx *memoryTx) DeleteKnownPeer(address string) error {
	delete(tx.repo.byAddr, address)
	return nil
}

func (tx *memoryTx) Commit() error {
	tx.Discard()
	return nil
}

func (tx *memoryTx) Discard() {
	if tx.discarded {
		return
	}
	tx.discarded = true
	tx.repo.mu.Unlock()
}
