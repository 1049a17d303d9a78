package p2p

import (
	"testing"
	"time"
)

func TestMemoryRepositorySaveAndList(t *testing.T) {
	repo := NewMemoryRepository()

	tx, err := repo.GetRepository()
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	if err := tx.SaveKnownPeer(KnownPeerRecord{Address: "peer-a:12392", AddedAt: now}); err != nil {
		t.Fatalf("SaveKnownPeer: %v", err)
	}
	if err := tx.SaveKnownPeer(KnownPeerRecord{Address: "peer-b:12392", AddedAt: now}); err != nil {
		t.Fatalf("SaveKnownPeer: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = repo.GetRepository()
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	defer tx.Discard()
	recs, err := tx.AllKnownPeers()
	if err != nil {
		t.Fatalf("AllKnownPeers: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

func TestMemoryRepositoryDelete(t *testing.T) {
	repo := NewMemoryRepository()
	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "peer-a:12392"})
	_ = tx.Commit()

	tx, _ = repo.GetRepository()
	if err := tx.DeleteKnownPeer("peer-a:12392"); err != nil {
		t.Fatalf("DeleteKnownPeer: %v", err)
	}
	_ = tx.Commit()

	tx, _ = repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	if len(recs) != 0 {
		t.Fatalf("got %d records after delete, want 0", len(recs))
	}
}

func TestMemoryRepositorySaveRejectsEmptyAddress(t *testing.T) {
	repo := NewMemoryRepository()
	tx, _ := repo.GetRepository()
	defer tx.Discard()
	if err := tx.SaveKnownPeer(KnownPeerRecord{}); err == nil {
		t.Fatalf("expected an error for an empty address")
	}
}

func TestMemoryRepositorySavePreservesAddedAt(t *testing.T) {
	repo := NewMemoryRepository()
	original := time.Unix(1_700_000_000, 0)

	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "peer-a:12392", AddedAt: original})
	_ = tx.Commit()

	tx, _ = repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "peer-a:12392", LastConnected: original.Add(time.Hour)})
	_ = tx.Commit()

	tx, _ = repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	if len(recs) != 1 || !recs[0].AddedAt.Equal(original) {
		t.Fatalf("expected AddedAt to survive an update omitting it, got %+v", recs)
	}
}

func TestMemoryRepositoryTryRepositoryIsNonBlockingUnderContention(t *testing.T) {
	repo := NewMemoryRepository()

	held, ok := repo.TryRepository()
	if !ok {
		t.Fatalf("expected first TryRepository to succeed")
	}
	defer held.Discard()

	if _, ok := repo.TryRepository(); ok {
		t.Fatalf("expected second TryRepository to fail while the first is held")
	}
}

func TestMemoryRepositoryTryRepositorySucceedsAfterDiscard(t *testing.T) {
	repo := NewMemoryRepository()

	tx, ok := repo.TryRepository()
	if !ok {
		t.Fatalf("expected TryRepository to succeed")
	}
	tx.Discard()

	if _, ok := repo.TryRepository(); !ok {
		t.Fatalf("expected TryRepository to succeed again once the prior tx was discarded")
	}
}

func TestMemoryRepositoryGetRepositoryBlocksUntilReleased(t *testing.T) {
	repo := NewMemoryRepository()
	first, err := repo.GetRepository()
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}

	unblocked := make(chan struct{})
	go func() {
		second, err := repo.GetRepository()
		if err != nil {
			t.Errorf("GetRepository (second): %v", err)
			return
		}
		second.Discard()
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatalf("second GetRepository returned before the first was discarded")
	case <-time.After(50 * time.Millisecond):
	}

	first.Discard()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatalf("second GetRepository never unblocked after the first was discarded")
	}
}

func TestMemoryRepositoryDiscardIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	tx, _ := repo.GetRepository()
	tx.Discard()
	tx.Discard() // must not double-unlock

	if _, ok := repo.TryRepository(); !ok {
		t.Fatalf("expected TryRepository to succeed after idempotent discard")
	}
}
