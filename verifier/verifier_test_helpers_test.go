package verifier

import (
	"sync"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// memStore is a minimal in-memory identity.Store + eventlog.Log used only
// by this package's tests, standing in for identity/sqlite so the core's
// command logic can be exercised without a real database.
type memStore struct {
	mu         sync.Mutex
	identities map[identity.Key]*identity.Identity
	processed  map[string]bool
	cursors    map[string]string
	notifs     []eventlog.Notification
	seq        int64
}

func newMemStore() *memStore {
	return &memStore{
		identities: make(map[identity.Key]*identity.Identity),
		processed:  make(map[string]bool),
		cursors:    make(map[string]string),
	}
}

func cloneIdentity(id *identity.Identity) *identity.Identity {
	cp := *id
	cp.Fields = make(map[identity.FieldKind]*identity.Field, len(id.Fields))
	for k, f := range id.Fields {
		fc := *f
		cp.Fields[k] = &fc
	}
	return &cp
}

func (m *memStore) Get(key identity.Key) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[key]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return cloneIdentity(id), nil
}

func (m *memStore) Put(id *identity.Identity, dedupKey *identity.DedupKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dedupKey != nil {
		k := dedupKey.Adapter + "/" + dedupKey.MsgID
		if m.processed[k] {
			return identity.ErrAlreadyProcessed
		}
		m.processed[k] = true
	}
	m.identities[id.Key()] = cloneIdentity(id)
	return nil
}

func (m *memStore) Delete(key identity.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, key)
	return nil
}

func (m *memStore) ListByChain(chain identity.Chain) ([]*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*identity.Identity
	for k, id := range m.identities {
		if k.Chain == chain {
			out = append(out, cloneIdentity(id))
		}
	}
	return out, nil
}

func (m *memStore) ListAll() ([]*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*identity.Identity
	for _, id := range m.identities {
		out = append(out, cloneIdentity(id))
	}
	return out, nil
}

func (m *memStore) WasProcessed(adapter, msgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[adapter+"/"+msgID], nil
}

func (m *memStore) VerifiedDisplayNames(chain identity.Chain) (map[string]identity.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]identity.Key)
	for k, id := range m.identities {
		if k.Chain != chain {
			continue
		}
		if f, ok := id.Fields[identity.FieldDisplayName]; ok && f.IsTerminallyVerified() {
			out[f.Value] = k
		}
	}
	return out, nil
}

func (m *memStore) AdapterCursor(adapter string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[adapter], nil
}

func (m *memStore) SetAdapterCursor(adapter, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[adapter] = msgID
	return nil
}

func (m *memStore) Append(n eventlog.Notification) (eventlog.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	n.Seq = m.seq
	m.notifs = append(m.notifs, n)
	return n, nil
}

func (m *memStore) Since(chain identity.Chain, address string, after int64) ([]eventlog.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventlog.Notification
	for _, n := range m.notifs {
		if n.Chain == chain && n.Address == address && n.Seq > after {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) Tail(n int) ([]eventlog.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.notifs) {
		n = len(m.notifs)
	}
	out := make([]eventlog.Notification, n)
	for i := 0; i < n; i++ {
		out[i] = m.notifs[len(m.notifs)-1-i]
	}
	return out, nil
}

var (
	_ identity.Store = (*memStore)(nil)
	_ eventlog.Log   = (*memStore)(nil)
)

// fakeJudgements records every Submit call for test assertions.
type fakeJudgements struct {
	mu   sync.Mutex
	subs []submission
}

type submission struct {
	Chain    identity.Chain
	Address  string
	Hex      string
	Revision int64
}

func (f *fakeJudgements) Submit(chain identity.Chain, address string, hex string, revision int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, submission{chain, address, hex, revision})
}

func (f *fakeJudgements) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeJudgements) last() submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}
