package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestLists(t *testing.T) *ListStore {
	t.Helper()
	s, err := OpenLists(filepath.Join(t.TempDir(), "lists.db"))
	if err != nil {
		t.Fatalf("failed to open list store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestQueries(t *testing.T) *QueryStore {
	t.Helper()
	s, err := OpenQueries(filepath.Join(t.TempDir(), "queries.db"))
	if err != nil {
		t.Fatalf("failed to open query store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWhiteListAddAndDuplicate(t *testing.T) {
	s := newTestLists(t)

	added, err := s.AddWhite("sender@a.org", "user@b.com", "white")
	if err != nil {
		t.Fatalf("AddWhite failed: %v", err)
	}
	if !added {
		t.Fatal("first add should report added")
	}

	added, err = s.AddWhite("sender@a.org", "user@b.com", "white")
	if err != nil {
		t.Fatalf("AddWhite failed: %v", err)
	}
	if added {
		t.Fatal("duplicate add should report already present")
	}

	ok, err := s.IsWhite("sender@a.org", "user@b.com")
	if err != nil || !ok {
		t.Fatalf("expected pair to be whitelisted, ok=%v err=%v", ok, err)
	}

	ok, err = s.IsWhite("sender@a.org", "other@b.com")
	if err != nil || ok {
		t.Fatalf("unrelated pair must not be whitelisted, ok=%v err=%v", ok, err)
	}
}

func TestBlockListRoundTrip(t *testing.T) {
	s := newTestLists(t)

	added, err := s.AddBlock("spammer@bad.example", "user@b.com", "spam")
	if err != nil || !added {
		t.Fatalf("AddBlock failed, added=%v err=%v", added, err)
	}

	ok, err := s.IsBlocked("spammer@bad.example", "user@b.com")
	if err != nil || !ok {
		t.Fatalf("expected pair to be blocked, ok=%v err=%v", ok, err)
	}

	removed, err := s.RemoveBlock("spammer@bad.example", "user@b.com")
	if err != nil || !removed {
		t.Fatalf("RemoveBlock failed, removed=%v err=%v", removed, err)
	}

	ok, err = s.IsBlocked("spammer@bad.example", "user@b.com")
	if err != nil || ok {
		t.Fatalf("pair must be unblocked after removal, ok=%v err=%v", ok, err)
	}

	removed, err = s.RemoveBlock("spammer@bad.example", "user@b.com")
	if err != nil || removed {
		t.Fatalf("second removal must report nothing removed, removed=%v err=%v", removed, err)
	}
}

func TestTempWhiteExpires(t *testing.T) {
	s := newTestLists(t)

	if _, err := s.AddTempWhite("s@a.org", "r@b.com", "release", -time.Minute); err != nil {
		t.Fatalf("AddTempWhite failed: %v", err)
	}

	ok, err := s.IsWhite("s@a.org", "r@b.com")
	if err != nil {
		t.Fatalf("IsWhite failed: %v", err)
	}
	if ok {
		t.Fatal("expired temp entry must not count as whitelisted")
	}

	// An expired entry does not block a fresh add.
	added, err := s.AddWhite("s@a.org", "r@b.com", "white")
	if err != nil || !added {
		t.Fatalf("fresh add over expired entry should succeed, added=%v err=%v", added, err)
	}
}

func TestComplaintJournal(t *testing.T) {
	s := newTestLists(t)

	added, err := s.AddComplaint("spammer@x.net", "victim@y.com")
	if err != nil || !added {
		t.Fatalf("first complaint should be recorded, added=%v err=%v", added, err)
	}

	added, err = s.AddComplaint("spammer@x.net", "victim@y.com")
	if err != nil {
		t.Fatalf("AddComplaint failed: %v", err)
	}
	if added {
		t.Fatal("duplicate complaint should report already recorded")
	}

	removed, err := s.RemoveComplaint("spammer@x.net", "victim@y.com")
	if err != nil || !removed {
		t.Fatalf("withdrawal should succeed, removed=%v err=%v", removed, err)
	}

	removed, err = s.RemoveComplaint("spammer@x.net", "victim@y.com")
	if err != nil {
		t.Fatalf("RemoveComplaint failed: %v", err)
	}
	if removed {
		t.Fatal("second withdrawal should report nothing to remove")
	}
}

func TestTrapJournal(t *testing.T) {
	s := newTestLists(t)

	added, err := s.AddTrap("spammer@bad.example", "complaint")
	if err != nil || !added {
		t.Fatalf("AddTrap failed, added=%v err=%v", added, err)
	}

	added, err = s.AddTrap("spammer@bad.example", "complaint")
	if err != nil || added {
		t.Fatalf("duplicate trap hit must report already present, added=%v err=%v", added, err)
	}

	ok, err := s.IsTrap("spammer@bad.example")
	if err != nil || !ok {
		t.Fatalf("expected identifier to be a trap hit, ok=%v err=%v", ok, err)
	}
}

func TestUnsubscribeRegistry(t *testing.T) {
	s := newTestLists(t)

	added, err := s.AddUnsubscribe("user@example.com")
	if err != nil || !added {
		t.Fatalf("first unsubscribe should be recorded, added=%v err=%v", added, err)
	}

	added, err = s.AddUnsubscribe("user@example.com")
	if err != nil {
		t.Fatalf("AddUnsubscribe failed: %v", err)
	}
	if added {
		t.Fatal("repeat unsubscribe should report already unsubscribed")
	}

	ok, err := s.IsUnsubscribed("user@example.com")
	if err != nil || !ok {
		t.Fatalf("expected address to be unsubscribed, ok=%v err=%v", ok, err)
	}
}

func TestSpamRevokesWhite(t *testing.T) {
	s := newTestLists(t)

	if _, err := s.AddWhite("s@a.org", "r@b.com", "white"); err != nil {
		t.Fatalf("AddWhite failed: %v", err)
	}
	if _, err := s.AddBlock("s@a.org", "r@b.com", "spam"); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	if _, err := s.RemoveWhite("s@a.org", "r@b.com"); err != nil {
		t.Fatalf("RemoveWhite failed: %v", err)
	}

	blocked, err := s.IsBlocked("s@a.org", "r@b.com")
	if err != nil || !blocked {
		t.Fatalf("pair should be blocked, blocked=%v err=%v", blocked, err)
	}
	white, err := s.IsWhite("s@a.org", "r@b.com")
	if err != nil || white {
		t.Fatalf("white entry should be revoked, white=%v err=%v", white, err)
	}
}

func TestQueryLifecycle(t *testing.T) {
	s := newTestQueries(t)
	issuedAt := time.Now().Add(-3 * 24 * time.Hour)

	if _, err := s.GetQuery("user@example.com", issuedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	err := s.PutQuery(&QueryRecord{
		UserEmail: "user@example.com",
		IssuedAt:  issuedAt,
		Sender:    "sender@elsewhere.org",
		Subject:   "quarterly report",
		IsHolding: true,
	})
	if err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}

	q, err := s.GetQuery("user@example.com", issuedAt)
	if err != nil {
		t.Fatalf("GetQuery failed: %v", err)
	}
	if !q.IsHolding || q.IsDelivered {
		t.Fatalf("unexpected initial state: %+v", q)
	}

	if err := s.MarkDelivered("user@example.com", issuedAt); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	q, err = s.GetQuery("user@example.com", issuedAt)
	if err != nil {
		t.Fatalf("GetQuery failed: %v", err)
	}
	if q.IsHolding || !q.IsDelivered {
		t.Fatalf("expected released state, got %+v", q)
	}
}

func TestQueryTransitionsAreExclusive(t *testing.T) {
	s := newTestQueries(t)
	issuedAt := time.Now()

	err := s.PutQuery(&QueryRecord{
		UserEmail: "user@example.com",
		IssuedAt:  issuedAt,
		Sender:    "sender@elsewhere.org",
		IsHolding: true,
	})
	if err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}

	if err := s.WhiteSender("user@example.com", issuedAt); err != nil {
		t.Fatalf("WhiteSender failed: %v", err)
	}
	q, _ := s.GetQuery("user@example.com", issuedAt)
	if !q.IsWhiteSender || q.IsBlockSender || q.IsHolding {
		t.Fatalf("white transition left inconsistent state: %+v", q)
	}

	if err := s.BlockSender("user@example.com", issuedAt); err != nil {
		t.Fatalf("BlockSender failed: %v", err)
	}
	q, _ = s.GetQuery("user@example.com", issuedAt)
	if q.IsWhiteSender || !q.IsBlockSender {
		t.Fatalf("block transition left inconsistent state: %+v", q)
	}

	if err := s.WhiteSender("nobody@example.com", issuedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}
}

func TestDeferredRelease(t *testing.T) {
	s := newTestQueries(t)
	issuedAt := time.Now().Add(-time.Hour)

	err := s.PutDeferred(&DeferredRecord{
		ID:        "d-42",
		IssuedAt:  issuedAt,
		Sender:    "sender@elsewhere.org",
		Recipient: "user@example.com",
	})
	if err != nil {
		t.Fatalf("PutDeferred failed: %v", err)
	}

	d, err := s.Release(issuedAt, "d-42")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if d.ReleasedAt == nil {
		t.Fatal("release should set ReleasedAt")
	}

	if _, err := s.Release(issuedAt, "d-42"); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}

	if _, err := s.Release(issuedAt, "d-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
