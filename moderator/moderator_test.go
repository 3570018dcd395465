package moderator

import (
	"context"
	"strings"
	"testing"

	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/logsink"
	"github.com/w3f/challenger/topk"
	"github.com/w3f/challenger/verifier"
)

type fakeAudit struct {
	entries []logsink.Entry
}

func (f *fakeAudit) Record(e logsink.Entry) {
	f.entries = append(f.entries, e)
}

type fakeCore struct {
	statusErr  error
	snap       verifier.Snapshot
	verifyArgs verifier.ManualVerify
	verifyErr  error
}

func (f *fakeCore) Status(ctx context.Context, chain identity.Chain, address string) (verifier.Snapshot, error) {
	if f.statusErr != nil {
		return verifier.Snapshot{}, f.statusErr
	}
	return f.snap, nil
}

func (f *fakeCore) Verify(ctx context.Context, cmd verifier.ManualVerify) (verifier.Snapshot, error) {
	f.verifyArgs = cmd
	if f.verifyErr != nil {
		return verifier.Snapshot{}, f.verifyErr
	}
	return f.snap, nil
}

type fakeMetrics struct {
	calls []string
}

func (f *fakeMetrics) CommandHandled(verb, outcome string) {
	f.calls = append(f.calls, verb+":"+outcome)
}

func TestHandleRecordsMetrics(t *testing.T) {
	core := &fakeCore{snap: verifier.Snapshot{Address: "15abc"}}
	m := &fakeMetrics{}
	h := New(core, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, m, nil)

	h.Handle(context.Background(), "@admin:example.org", "status 15abc")
	h.Handle(context.Background(), "@random:example.org", "status 15abc")
	h.Handle(context.Background(), "@admin:example.org", "bogus")

	want := []string{"status:ok", "status:unauthorized", "bogus:unrecognized"}
	if len(m.calls) != len(want) {
		t.Fatalf("got %v, want %v", m.calls, want)
	}
	for i := range want {
		if m.calls[i] != want[i] {
			t.Fatalf("got %v, want %v", m.calls, want)
		}
	}
}

func TestHandleRejectsNonAdmin(t *testing.T) {
	h := New(&fakeCore{}, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, nil, nil)
	reply := h.Handle(context.Background(), "@random:example.org", "status 15abc")
	if !strings.Contains(reply, "not authorized") {
		t.Fatalf("expected refusal, got %q", reply)
	}
}

func TestHandleEmptyAllowListRejectsEverything(t *testing.T) {
	h := New(&fakeCore{}, []identity.Chain{"kusama"}, nil, nil, nil, nil)
	reply := h.Handle(context.Background(), "@anyone:example.org", "status 15abc")
	if !strings.Contains(reply, "not authorized") {
		t.Fatalf("expected refusal, got %q", reply)
	}
}

func TestHandleHelpNeedsNoAuthorization(t *testing.T) {
	h := New(&fakeCore{}, []identity.Chain{"kusama"}, nil, nil, nil, nil)
	reply := h.Handle(context.Background(), "@anyone:example.org", "help")
	if !strings.Contains(reply, "Recognized commands") {
		t.Fatalf("expected help text, got %q", reply)
	}
}

func TestHandleStatus(t *testing.T) {
	core := &fakeCore{snap: verifier.Snapshot{Address: "15abc", IsFullyVerified: true}}
	h := New(core, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, nil, nil)
	reply := h.Handle(context.Background(), "@admin:example.org", "status 15abc")
	if !strings.Contains(reply, "fully_verified=true") {
		t.Fatalf("expected status dump, got %q", reply)
	}
}

func TestHandleVerifyAll(t *testing.T) {
	core := &fakeCore{snap: verifier.Snapshot{Address: "15abc"}}
	h := New(core, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, nil, nil)
	reply := h.Handle(context.Background(), "@admin:example.org", "verify 15abc all")
	if strings.Contains(reply, "unrecognized") {
		t.Fatalf("unexpected parse failure: %q", reply)
	}
	if !core.verifyArgs.All {
		t.Fatalf("expected All=true, got %+v", core.verifyArgs)
	}
}

func TestHandleVerifySpecificFields(t *testing.T) {
	core := &fakeCore{snap: verifier.Snapshot{Address: "15abc"}}
	h := New(core, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, nil, nil)
	h.Handle(context.Background(), "@admin:example.org", "verify 15abc email displayname")
	want := []identity.FieldKind{identity.FieldEmail, identity.FieldDisplayName}
	if len(core.verifyArgs.Kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, core.verifyArgs.Kinds)
	}
}

func TestHandleVerifyUnrecognizedField(t *testing.T) {
	h := New(&fakeCore{}, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, nil, nil)
	reply := h.Handle(context.Background(), "@admin:example.org", "verify 15abc bogus")
	if !strings.Contains(reply, "unrecognized field") {
		t.Fatalf("expected unrecognized field error, got %q", reply)
	}
}

func TestHandleUnknownAddress(t *testing.T) {
	h := New(&fakeCore{statusErr: identity.ErrNotFound}, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, nil, nil, nil)
	reply := h.Handle(context.Background(), "@admin:example.org", "status 15abc")
	if !strings.Contains(reply, "no identity found") {
		t.Fatalf("expected not-found reply, got %q", reply)
	}
}

func TestHandleFlagsRepeatedUnauthorizedSenders(t *testing.T) {
	audit := &fakeAudit{}
	sketch := topk.New(topk.SketchParams{
		K: 2, WindowSize: 1, TickSize: 3, Width: 256, Depth: 2, ActivationRPS: 1, MaxSharePercent: 50,
	})
	h := New(&fakeCore{}, []identity.Chain{"kusama"}, []string{"@admin:example.org"}, audit, nil, sketch)

	const sender = "@spammer:example.org"
	h.Handle(context.Background(), sender, "status 15abc")
	h.Handle(context.Background(), "@other:example.org", "status 15abc")
	h.Handle(context.Background(), sender, "status 15abc")

	var flagged bool
	for _, e := range audit.entries {
		if e.Action == "abuse_detected" && e.Actor == sender {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("expected %s to be flagged as abusive, got entries %+v", sender, audit.entries)
	}
}
