package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleIdentity() *identity.Identity {
	return &identity.Identity{
		Chain:       "kusama",
		Address:     "addr1",
		IdentityHex: "0xdead",
		Revision:    1,
		InsertedAt:  time.Now(),
		Fields: map[identity.FieldKind]*identity.Field{
			identity.FieldDisplayName: {
				Kind:  identity.FieldDisplayName,
				Value: "alice",
				Challenge: identity.Challenge{
					Type: identity.ChallengeDisplayNameCheck,
				},
				State: identity.StateVerified,
			},
			identity.FieldEmail: {
				Kind:  identity.FieldEmail,
				Value: "alice@example.com",
				Challenge: identity.Challenge{
					Type:  identity.ChallengeExpectedMessageWithSecond,
					Token: "tok1",
				},
				State: identity.StatePending,
			},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	id := sampleIdentity()

	if err := s.Put(id, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(id.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IdentityHex != id.IdentityHex {
		t.Errorf("IdentityHex = %q, want %q", got.IdentityHex, id.IdentityHex)
	}
	if len(got.Fields) != 2 {
		t.Fatalf("len(Fields) = %d, want 2", len(got.Fields))
	}
	if got.Fields[identity.FieldDisplayName].Value != "alice" {
		t.Errorf("display_name = %q, want alice", got.Fields[identity.FieldDisplayName].Value)
	}
	if got.Fields[identity.FieldEmail].Challenge.Token != "tok1" {
		t.Errorf("email token = %q, want tok1", got.Fields[identity.FieldEmail].Challenge.Token)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(identity.Key{Chain: "kusama", Address: "nope"})
	if err != identity.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutDedupRejectsReplay(t *testing.T) {
	s := openTestStore(t)
	id := sampleIdentity()
	dk := &identity.DedupKey{Adapter: "email", MsgID: "m1"}

	if err := s.Put(id, dk); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	id.Revision = 2
	if err := s.Put(id, dk); err != identity.ErrAlreadyProcessed {
		t.Fatalf("replay Put err = %v, want ErrAlreadyProcessed", err)
	}

	got, err := s.Get(id.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Revision != 1 {
		t.Errorf("Revision = %d, want 1 (replay must not have written)", got.Revision)
	}
}

func TestDeleteRemovesIdentityAndFields(t *testing.T) {
	s := openTestStore(t)
	id := sampleIdentity()
	if err := s.Put(id, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(id.Key()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(id.Key()); err != identity.ErrNotFound {
		t.Fatalf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

func TestListByChain(t *testing.T) {
	s := openTestStore(t)
	a := sampleIdentity()
	b := sampleIdentity()
	b.Address = "addr2"
	c := sampleIdentity()
	c.Chain = "polkadot"
	c.Address = "addr3"

	for _, id := range []*identity.Identity{a, b, c} {
		if err := s.Put(id, nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.ListByChain("kusama")
	if err != nil {
		t.Fatalf("ListByChain: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestVerifiedDisplayNames(t *testing.T) {
	s := openTestStore(t)
	id := sampleIdentity()
	if err := s.Put(id, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	names, err := s.VerifiedDisplayNames("kusama")
	if err != nil {
		t.Fatalf("VerifiedDisplayNames: %v", err)
	}
	k, ok := names["alice"]
	if !ok {
		t.Fatalf("expected alice in verified set, got %v", names)
	}
	if k.Address != "addr1" {
		t.Errorf("address = %q, want addr1", k.Address)
	}
}

func TestAdapterCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	cur, err := s.AdapterCursor("watcher-kusama")
	if err != nil {
		t.Fatalf("AdapterCursor: %v", err)
	}
	if cur != "" {
		t.Fatalf("cur = %q, want empty", cur)
	}

	if err := s.SetAdapterCursor("watcher-kusama", "block-100"); err != nil {
		t.Fatalf("SetAdapterCursor: %v", err)
	}
	cur, err = s.AdapterCursor("watcher-kusama")
	if err != nil {
		t.Fatalf("AdapterCursor: %v", err)
	}
	if cur != "block-100" {
		t.Errorf("cur = %q, want block-100", cur)
	}

	if err := s.SetAdapterCursor("watcher-kusama", "block-200"); err != nil {
		t.Fatalf("SetAdapterCursor update: %v", err)
	}
	cur, _ = s.AdapterCursor("watcher-kusama")
	if cur != "block-200" {
		t.Errorf("cur = %q, want block-200 after update", cur)
	}
}

func TestEventLogAppendAndSince(t *testing.T) {
	s := openTestStore(t)
	n1, err := s.Append(eventlog.Notification{
		Chain:   "kusama",
		Address: "addr1",
		Kind:    eventlog.IdentityInserted,
		Message: "identity inserted",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n1.Seq == 0 {
		t.Fatalf("Seq not assigned")
	}

	n2, err := s.Append(eventlog.Notification{
		Chain:     "kusama",
		Address:   "addr1",
		Kind:      eventlog.FieldVerified,
		FieldKind: identity.FieldDisplayName,
		Detail:    map[string]any{"value": "alice"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n2.Seq <= n1.Seq {
		t.Fatalf("Seq not monotonic: %d <= %d", n2.Seq, n1.Seq)
	}

	got, err := s.Since("kusama", "addr1", n1.Seq)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 1 || got[0].Seq != n2.Seq {
		t.Fatalf("Since(after n1) = %+v, want just n2", got)
	}
	if got[0].Detail == nil {
		t.Errorf("Detail not round-tripped")
	}
}

func TestEventLogTail(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append(eventlog.Notification{
			Chain: "kusama", Address: "addr1", Kind: eventlog.IdentityUpdated,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := s.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Seq < got[1].Seq {
		t.Errorf("Tail must be newest-first, got %+v", got)
	}
}
