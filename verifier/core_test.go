package verifier

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/w3f/challenger/displayname"
	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

func newTestCore(t *testing.T) (*Core, *memStore, *fakeJudgements) {
	t.Helper()
	store := newMemStore()
	names := displayname.NewIndex(displayname.DefaultThreshold)
	judgements := &fakeJudgements{}
	core := New(store, store, names, DefaultConfig(), judgements, nil, nil)
	if err := core.Load("kusama"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := core.Load("polkadot"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	core.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		core.Stop(ctx)
	})
	return core, store, judgements
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

// Scenario 1 (spec.md §8): single-field email identity verified end to
// end, triggering judgement emission with no other fields present. Email
// uses the two-stage expected_message_with_second challenge (spec.md §3,
// confirmed by §8 scenario 5's explicit awaiting_second_challenge step),
// so the first-token message advances the field to AwaitingSecond and the
// second-token submission completes it.
func TestScenarioEmailOnlyIdentityFullyVerifies(t *testing.T) {
	c, _, judgements := newTestCore(t)

	snap, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A", IdentityHex: "0x1",
		Fields: []AnnouncedField{{Kind: identity.FieldEmail, Value: "u@x"}},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(snap.Fields) != 1 || snap.Fields[0].State != identity.StatePending {
		t.Fatalf("snap = %+v, want one pending field", snap)
	}
	token := snap.Fields[0].Token
	if len(token) < 16 || len(token) > 32 {
		t.Errorf("token length = %d, want 16-32 chars per spec.md §8", len(token))
	}

	sender := &recordingSender{}
	err = c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldEmail, From: "u@x", Content: "hello " + token + " please verify", MsgID: "msg1",
	}, sender)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.token == "" {
		t.Fatalf("expected a second token to be sent")
	}

	if err := c.SubmitSecondChallenge(ctx(t), SecondChallengeSubmission{
		Chain: "kusama", Address: "A", FieldKind: identity.FieldEmail, FieldValue: "u@x", Token: sender.token,
	}); err != nil {
		t.Fatalf("SubmitSecondChallenge: %v", err)
	}

	final, err := c.Status(ctx(t), "kusama", "A")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !final.IsFullyVerified {
		t.Fatalf("final = %+v, want fully verified", final)
	}
	if judgements.count() != 1 {
		t.Fatalf("judgement count = %d, want 1", judgements.count())
	}
}

// Scenario 2: two identities on the same chain sharing a display name
// both fail the similarity check, listing each other.
func TestScenarioDisplayNameCollisionBothFail(t *testing.T) {
	c, _, _ := newTestCore(t)

	snapA, err := c.Announce(ctx(t), Announce{
		Chain: "polkadot", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldDisplayName, Value: "stake"}},
	})
	if err != nil {
		t.Fatalf("Announce A: %v", err)
	}
	if snapA.Fields[0].State != identity.StateVerified {
		t.Fatalf("first stake claimant should pass (nothing to collide with yet): %+v", snapA)
	}

	snapB, err := c.Announce(ctx(t), Announce{
		Chain: "polkadot", Address: "B",
		Fields: []AnnouncedField{{Kind: identity.FieldDisplayName, Value: "stake"}},
	})
	if err != nil {
		t.Fatalf("Announce B: %v", err)
	}
	if snapB.Fields[0].State == identity.StateVerified {
		t.Fatalf("second stake claimant must fail the collision check: %+v", snapB)
	}
}

// Scenario 3: moderator "verify all" forces full manual verification.
func TestScenarioManualVerifyAll(t *testing.T) {
	c, _, judgements := newTestCore(t)
	_, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A", IdentityHex: "0x1",
		Fields: []AnnouncedField{
			{Kind: identity.FieldEmail, Value: "u@x"},
			{Kind: identity.FieldLegalName, Value: "Alice Smith"},
		},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	snap, err := c.Verify(ctx(t), ManualVerify{Chain: "kusama", Address: "A", All: true})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !snap.IsFullyVerified {
		t.Fatalf("snap = %+v, want fully verified", snap)
	}
	if judgements.count() != 1 {
		t.Fatalf("judgement count = %d, want 1", judgements.count())
	}
}

// Scenario 4: wrong token increments failed_attempts; dedup on replay of
// the same msg_id; new msg_id with the correct token succeeds.
func TestScenarioFailedAttemptsAndDedup(t *testing.T) {
	c, _, _ := newTestCore(t)
	snap, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldTwitter, Value: "@alice"}},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	token := snap.Fields[0].Token

	if err := c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldTwitter, From: "@alice", Content: "nope", MsgID: "m1",
	}, nil); err != nil {
		t.Fatalf("Deliver wrong: %v", err)
	}

	mid, err := c.Status(ctx(t), "kusama", "A")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if mid.Fields[0].FailedAttempts != 1 {
		t.Fatalf("FailedAttempts = %d, want 1", mid.Fields[0].FailedAttempts)
	}

	// Replay same msg_id with the correct token: must be a no-op (dedup).
	if err := c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldTwitter, From: "@alice", Content: token, MsgID: "m1",
	}, nil); err != nil {
		t.Fatalf("Deliver replay: %v", err)
	}
	afterReplay, _ := c.Status(ctx(t), "kusama", "A")
	if afterReplay.Fields[0].State != identity.StatePending {
		t.Fatalf("replayed msg_id must not change state: %+v", afterReplay)
	}

	// New msg_id, correct token: succeeds.
	if err := c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldTwitter, From: "@alice", Content: token, MsgID: "m2",
	}, nil); err != nil {
		t.Fatalf("Deliver correct: %v", err)
	}
	final, _ := c.Status(ctx(t), "kusama", "A")
	if final.Fields[0].State != identity.StateVerified {
		t.Fatalf("final state = %v, want verified", final.Fields[0].State)
	}
}

type recordingSender struct {
	to    string
	token string
}

func (r *recordingSender) SendSecondChallenge(ctx context.Context, kind identity.FieldKind, to string, token string) error {
	r.to = to
	r.token = token
	return nil
}

// Scenario 5: email first-token match transitions to AwaitingSecond and
// sends the second token; submitting it completes the field.
func TestScenarioEmailSecondChallengeFlow(t *testing.T) {
	c, _, _ := newTestCore(t)
	snap, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldEmail, Value: "u@x"}},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	token := snap.Fields[0].Token

	sender := &recordingSender{}
	if err := c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldEmail, From: "u@x", Content: token, MsgID: "m1",
	}, sender); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	mid, _ := c.Status(ctx(t), "kusama", "A")
	if mid.Fields[0].State != identity.StateAwaitingSecond {
		t.Fatalf("state = %v, want awaiting_second", mid.Fields[0].State)
	}
	if sender.token == "" {
		t.Fatalf("second token was never sent")
	}

	if err := c.SubmitSecondChallenge(ctx(t), SecondChallengeSubmission{
		Chain: "kusama", Address: "A", FieldKind: identity.FieldEmail, FieldValue: "u@x", Token: sender.token,
	}); err != nil {
		t.Fatalf("SubmitSecondChallenge: %v", err)
	}

	final, _ := c.Status(ctx(t), "kusama", "A")
	if final.Fields[0].State != identity.StateVerified || !final.IsFullyVerified {
		t.Fatalf("final = %+v, want verified and fully verified", final)
	}
}

// Scenario 6: re-announcing with a changed field value drops the old
// verification and regenerates a challenge.
func TestScenarioAnnounceUpdateRegeneratesChallenge(t *testing.T) {
	c, _, _ := newTestCore(t)
	snap, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldTwitter, Value: "@old"}},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	token := snap.Fields[0].Token
	if err := c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldTwitter, From: "@old", Content: token, MsgID: "m1",
	}, nil); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	verified, _ := c.Status(ctx(t), "kusama", "A")
	if !verified.IsFullyVerified {
		t.Fatalf("expected fully verified before update")
	}

	updated, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldTwitter, Value: "@new"}},
	})
	if err != nil {
		t.Fatalf("Announce update: %v", err)
	}
	if updated.Fields[0].State != identity.StatePending {
		t.Fatalf("changed field must reset to pending: %+v", updated)
	}
	if updated.Fields[0].Token == token {
		t.Fatalf("changed field must get a fresh token")
	}
	if updated.IsFullyVerified {
		t.Fatalf("identity must no longer be fully verified after field value change")
	}
}

// Boundary: announce with an empty field set is a no-op change for a new
// identity other than creating it with no fields, and fully verified
// immediately (vacuous invariant 4).
func TestBoundaryEmptyFieldSetAnnounce(t *testing.T) {
	c, _, judgements := newTestCore(t)
	snap, err := c.Announce(ctx(t), Announce{Chain: "kusama", Address: "empty"})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(snap.Fields) != 0 {
		t.Fatalf("snap.Fields = %v, want empty", snap.Fields)
	}
	if !snap.IsFullyVerified {
		t.Fatalf("an identity with no fields is vacuously fully verified")
	}
	if judgements.count() != 1 {
		t.Fatalf("judgement count = %d, want 1 for vacuously-verified identity", judgements.count())
	}
}

// Boundary: replaying an identical WatcherAnnounce must not regenerate
// challenges or emit new notifications (spec.md §8 idempotence).
func TestBoundaryAnnounceReplayIsNoop(t *testing.T) {
	c, store, _ := newTestCore(t)
	cmd := Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldEmail, Value: "u@x"}},
	}
	first, err := c.Announce(ctx(t), cmd)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	before := len(store.notifs)

	second, err := c.Announce(ctx(t), cmd)
	if err != nil {
		t.Fatalf("Announce replay: %v", err)
	}
	if second.Fields[0].Token != first.Fields[0].Token {
		t.Fatalf("replay must not regenerate the challenge token")
	}
	if len(store.notifs) != before {
		t.Fatalf("replay must not emit new notifications: before=%d after=%d", before, len(store.notifs))
	}
}

// Boundary: the message-token match is a substring test on the full body,
// surviving extra text and embedded newlines.
func TestBoundaryTokenSubstringMatch(t *testing.T) {
	c, _, _ := newTestCore(t)
	snap, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldTwitter, Value: "@alice"}},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	token := snap.Fields[0].Token
	content := "here you go:\nverifying " + token + "\nthanks"
	if !strings.Contains(content, token) {
		t.Fatalf("test setup broken")
	}
	if err := c.Deliver(ctx(t), IncomingMessage{
		Adapter: identity.FieldTwitter, From: "@alice", Content: content, MsgID: "m1",
	}, nil); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	final, _ := c.Status(ctx(t), "kusama", "A")
	if final.Fields[0].State != identity.StateVerified {
		t.Fatalf("state = %v, want verified", final.Fields[0].State)
	}
}

func TestSubscribeReceivesSubsequentNotifications(t *testing.T) {
	c, _, _ := newTestCore(t)
	if _, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldTwitter, Value: "@alice"}},
	}); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	_, sub, err := c.Subscribe(ctx(t), "kusama", "A")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	snap, err := c.Announce(ctx(t), Announce{
		Chain: "kusama", Address: "A",
		Fields: []AnnouncedField{{Kind: identity.FieldTwitter, Value: "@alice"}, {Kind: identity.FieldWeb, Value: "http://x"}},
	})
	if err != nil {
		t.Fatalf("Announce update: %v", err)
	}
	if len(snap.Fields) != 2 {
		t.Fatalf("snap = %+v", snap)
	}

	select {
	case n := <-sub.Notifications():
		if n.Kind != eventlog.IdentityUpdated {
			t.Fatalf("n.Kind = %v, want identity_updated", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}
}

func TestSubscribeUnknownIdentityReturnsNotFound(t *testing.T) {
	c, _, _ := newTestCore(t)
	_, _, err := c.Subscribe(ctx(t), "kusama", "nope")
	if err != identity.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
