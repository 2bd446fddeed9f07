package editor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canturgay/p2pEditor/connectivity"
	"github.com/canturgay/p2pEditor/cryptobox"
	"github.com/canturgay/p2pEditor/identity"
	"github.com/canturgay/p2pEditor/models"
	"github.com/canturgay/p2pEditor/service"
	"github.com/canturgay/p2pEditor/store"
	"github.com/canturgay/p2pEditor/store/memstore"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var fastOpts = Options{
	DebounceInterval: 20 * time.Millisecond,
	ReconcileGrace:   60 * time.Millisecond,
}

type env struct {
	st  *memstore.MemStore
	svc *service.Service
	mgr *identity.Manager
	mon *connectivity.Monitor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	return &env{
		st:  st,
		svc: service.NewService(st, nil),
		mgr: identity.NewManager(st),
		mon: connectivity.NewMonitor(true),
	}
}

func (e *env) newIdentity(t *testing.T, alias string) identity.Session {
	t.Helper()
	sess, err := e.mgr.Create(context.Background(), alias, alias+"-passphrase")
	require.NoError(t, err)
	return *sess
}

func (e *env) secret(t *testing.T, who identity.Session, docId string) [32]byte {
	t.Helper()
	key, err := e.svc.ResolveDocumentKey(context.Background(), who, docId)
	require.NoError(t, err)
	return cryptobox.SecretFromKey(key)
}

// putRemote writes canonical text directly to the store, standing in for a
// peer that stayed online.
func (e *env) putRemote(t *testing.T, secret [32]byte, docId, text string) {
	t.Helper()
	ct, err := cryptobox.Encrypt(text, secret)
	require.NoError(t, err)
	require.NoError(t, e.st.Get("documents", docId, "text").Put(context.Background(), store.Val(ct)))
}

func (e *env) readCanonical(t *testing.T, secret [32]byte, docId string) string {
	t.Helper()
	ct, err := e.st.Get("documents", docId, "text").Once(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ct)
	pt, err := cryptobox.Decrypt(*ct, secret)
	require.NoError(t, err)
	return pt
}

func (e *env) readDraft(t *testing.T, docId, pub string) *string {
	t.Helper()
	ct, err := e.st.Get("documents", docId, "drafts", pub).Once(context.Background())
	require.NoError(t, err)
	return ct
}

func (e *env) open(t *testing.T, who identity.Session, docId string) *Session {
	t.Helper()
	s, err := Open(context.Background(), e.svc, who, e.mon, docId, fastOpts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// unreliableStore rejects canonical text writes on demand, standing in for a
// backend that still delivers subscriptions but fails puts.
type unreliableStore struct {
	*memstore.MemStore
	mu       sync.Mutex
	failText bool
}

func (u *unreliableStore) setFailText(fail bool) {
	u.mu.Lock()
	u.failText = fail
	u.mu.Unlock()
}

func (u *unreliableStore) Get(path ...string) store.Node {
	return unreliableNode{Node: u.MemStore.Get(path...), st: u}
}

type unreliableNode struct {
	store.Node
	st *unreliableStore
}

func (n unreliableNode) Put(ctx context.Context, value *string) error {
	path := n.Node.Path()
	n.st.mu.Lock()
	failing := n.st.failText
	n.st.mu.Unlock()
	if failing && len(path) > 0 && path[len(path)-1] == "text" {
		return store.ErrUnavailable
	}
	return n.Node.Put(ctx, value)
}

// newUnreliableEnv keeps e.st pointing at the raw memstore, so putRemote and
// the read helpers act as a healthy peer while the session's own writes go
// through the failure switch.
func newUnreliableEnv(t *testing.T) (*env, *unreliableStore) {
	t.Helper()
	st := memstore.New()
	u := &unreliableStore{MemStore: st}
	return &env{
		st:  st,
		svc: service.NewService(u, nil),
		mgr: identity.NewManager(st),
		mon: connectivity.NewMonitor(true),
	}, u
}

func TestEditPublishesEncrypted(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)

	s := e.open(t, alice, doc.Id)
	s.Edit("hello world")

	require.Eventually(t, func() bool {
		ct, err := e.st.Get("documents", doc.Id, "text").Once(context.Background())
		return err == nil && ct != nil
	}, waitFor, tick)

	secret := e.secret(t, alice, doc.Id)
	assert.Equal(t, "hello world", e.readCanonical(t, secret, doc.Id))

	ct, err := e.st.Get("documents", doc.Id, "text").Once(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, *ct, "hello world")

	snap := s.Snapshot()
	assert.Equal(t, StateClean, snap.State)
	assert.Equal(t, "hello world", snap.Plaintext)
}

func TestRemoteUpdateWhileClean(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	e.putRemote(t, secret, doc.Id, "typed elsewhere")

	require.Eventually(t, func() bool {
		return s.Snapshot().Plaintext == "typed elsewhere"
	}, waitFor, tick)
	assert.Equal(t, StateClean, s.Snapshot().State)
}

func TestOwnEchoIsSuppressed(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	// Redeliver the session's own published ciphertext against a sentinel:
	// a suppressed echo must not even be decrypted and applied.
	var published string
	require.True(t, s.call(func() {
		published = s.lastPublished
		s.latestRemote = "sentinel"
	}))
	require.NotEmpty(t, published)

	s.call(func() { s.applyRemote(&published) })

	snap := s.Snapshot()
	assert.Equal(t, "sentinel", snap.LatestRemote)
	assert.Equal(t, "v1", snap.Plaintext)
	assert.Equal(t, StateClean, snap.State)
}

func TestUndecryptableRemoteIgnored(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	garbage := "bm90LWEtbm9uY2U=.bm90LWEtYm94"
	s.call(func() { s.applyRemote(&garbage) })

	snap := s.Snapshot()
	assert.Equal(t, "v1", snap.Plaintext)
	assert.Equal(t, "v1", snap.LatestRemote)
}

func TestRoleDowngradeStopsEditsLive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.newIdentity(t, "alice")
	bob := e.newIdentity(t, "bob")

	doc, err := e.svc.CreateDocument(ctx, alice, "Shared")
	require.NoError(t, err)
	require.NoError(t, e.svc.ShareKey(ctx, alice, doc.Id, "bob", models.RoleEditor))

	s := e.open(t, bob, doc.Id)
	require.True(t, s.Snapshot().CanEdit)

	s.Edit("bob was here")
	require.Eventually(t, func() bool {
		return s.Snapshot().Plaintext == "bob was here"
	}, waitFor, tick)

	require.NoError(t, e.svc.SetRole(ctx, doc.Id, bob.Pub(), models.RoleViewer))
	require.Eventually(t, func() bool {
		return !s.Snapshot().CanEdit
	}, waitFor, tick)

	s.Edit("bob again")
	snap := s.Snapshot()
	assert.Equal(t, "bob was here", snap.Plaintext)
	assert.Equal(t, models.RoleViewer, snap.Role)
}

func TestOwnerEditsWithoutRoleRecord(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Mine")
	require.NoError(t, err)

	s := e.open(t, alice, doc.Id)
	snap := s.Snapshot()
	assert.True(t, snap.IsOwner)
	assert.True(t, snap.CanEdit)
}

func TestOfflineDraftAutoApplies(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("v1 plus offline work")
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateOfflineEditing
	}, waitFor, tick)

	// The draft persists to its own slot, never the canonical text.
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) != nil
	}, waitFor, tick)
	assert.Equal(t, "v1", e.readCanonical(t, secret, doc.Id))

	e.mon.Set(true)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateClean && snap.Plaintext == "v1 plus offline work"
	}, waitFor, tick)

	assert.Equal(t, "v1 plus offline work", e.readCanonical(t, secret, doc.Id))
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) == nil
	}, waitFor, tick)
}

func TestConflictDetectedAndKeepLocal(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("local v2")
	e.putRemote(t, secret, doc.Id, "remote v2")

	e.mon.Set(true)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateConflict
	}, waitFor, tick)

	snap := s.Snapshot()
	require.NotNil(t, snap.Conflict)
	assert.Equal(t, "local v2", snap.Conflict.Local)
	assert.Equal(t, "remote v2", snap.Conflict.Remote)
	// The visible text is still the draft, untouched by the remote write.
	assert.Equal(t, "local v2", snap.Plaintext)

	require.NoError(t, s.KeepLocal())
	snap = s.Snapshot()
	assert.Equal(t, StateClean, snap.State)
	assert.Nil(t, snap.Conflict)
	assert.Equal(t, "local v2", snap.Plaintext)
	assert.Equal(t, "local v2", e.readCanonical(t, secret, doc.Id))
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) == nil
	}, waitFor, tick)

	// The kept text survives a fresh open.
	reopened := e.open(t, alice, doc.Id)
	assert.Equal(t, "local v2", reopened.Snapshot().Plaintext)
	assert.Equal(t, StateClean, reopened.Snapshot().State)
}

func TestRemoteDuringConflictDoesNotResolve(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("local v2")
	e.putRemote(t, secret, doc.Id, "remote v2")
	e.mon.Set(true)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateConflict
	}, waitFor, tick)

	e.putRemote(t, secret, doc.Id, "remote v3")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "remote v3"
	}, waitFor, tick)

	snap := s.Snapshot()
	assert.Equal(t, StateConflict, snap.State)
	require.NotNil(t, snap.Conflict)
	assert.Equal(t, "remote v2", snap.Conflict.Remote)

	// Accepting adopts the freshest remote text, not the stale capture.
	require.NoError(t, s.AcceptRemote())
	snap = s.Snapshot()
	assert.Equal(t, StateClean, snap.State)
	assert.Equal(t, "remote v3", snap.Plaintext)
}

func TestApplyMergePublishesMergedText(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("local v2")
	e.putRemote(t, secret, doc.Id, "remote v2")
	e.mon.Set(true)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateConflict
	}, waitFor, tick)

	require.NoError(t, s.ApplyMerge("merged v2"))
	require.Eventually(t, func() bool {
		return e.readCanonical(t, secret, doc.Id) == "merged v2"
	}, waitFor, tick)
	assert.Equal(t, "merged v2", s.Snapshot().Plaintext)
}

func TestResolveWithoutConflictErrs(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)

	s := e.open(t, alice, doc.Id)
	assert.ErrorIs(t, s.KeepLocal(), ErrNoConflict)
	assert.ErrorIs(t, s.AcceptRemote(), ErrNoConflict)
	assert.ErrorIs(t, s.ApplyMerge("x"), ErrNoConflict)
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	opts := fastOpts
	opts.DebounceInterval = time.Hour
	s, err := Open(context.Background(), e.svc, alice, e.mon, doc.Id, opts)
	require.NoError(t, err)

	s.Edit("typed just before quitting")
	s.Close()

	assert.Equal(t, "typed just before quitting", e.readCanonical(t, secret, doc.Id))
	snap := s.Snapshot()
	assert.Equal(t, StateClosed, snap.State)

	// A second close and post-close calls are no-ops.
	s.Close()
	s.Edit("after close")
	assert.ErrorIs(t, s.KeepLocal(), ErrClosed)
}

func TestOpenWithLeftoverDraftReconciles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(ctx, alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	e.putRemote(t, secret, doc.Id, "canonical v1")
	draftCt, err := cryptobox.Encrypt("stranded draft", secret)
	require.NoError(t, err)
	require.NoError(t, e.st.Get("documents", doc.Id, "drafts", alice.Pub()).Put(ctx, store.Val(draftCt)))

	s := e.open(t, alice, doc.Id)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateConflict
	}, waitFor, tick)

	snap := s.Snapshot()
	require.NotNil(t, snap.Conflict)
	assert.Equal(t, "stranded draft", snap.Conflict.Local)
	assert.Equal(t, "canonical v1", snap.Conflict.Remote)
}

func TestReconcileEqualDraftNoRepublish(t *testing.T) {
	e := newEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	// The peer and the offline draft independently arrive at the same text.
	e.mon.Set(false)
	e.putRemote(t, secret, doc.Id, "common text")
	s.Edit("common text")
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) != nil
	}, waitFor, tick)

	var published string
	require.True(t, s.call(func() { published = s.lastPublished }))

	e.mon.Set(true)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateClean
	}, waitFor, tick)

	snap := s.Snapshot()
	assert.Equal(t, "common text", snap.Plaintext)
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) == nil
	}, waitFor, tick)

	// Nothing new was published: the canonical text is still the peer's
	// write and this session's last published ciphertext is unchanged.
	assert.Equal(t, "common text", e.readCanonical(t, secret, doc.Id))
	var after string
	require.True(t, s.call(func() { after = s.lastPublished }))
	assert.Equal(t, published, after)
}

func TestReconcilePublishFailureKeepsDraft(t *testing.T) {
	e, u := newUnreliableEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("v1 offline")
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) != nil
	}, waitFor, tick)

	u.setFailText(true)
	e.mon.Set(true)

	// The auto-apply publish fails: the session must keep the draft and
	// stay in Reconciling instead of pretending the text went canonical.
	time.Sleep(3 * fastOpts.ReconcileGrace)
	snap := s.Snapshot()
	assert.Equal(t, StateReconciling, snap.State)
	assert.Equal(t, "v1 offline", snap.Plaintext)
	require.NotNil(t, e.readDraft(t, doc.Id, alice.Pub()))
	assert.Equal(t, "v1", e.readCanonical(t, secret, doc.Id))

	// A remote update arriving now surfaces as a conflict; the offline
	// edits are never silently overwritten.
	e.putRemote(t, secret, doc.Id, "remote catches up")
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateConflict
	}, waitFor, tick)

	snap = s.Snapshot()
	require.NotNil(t, snap.Conflict)
	assert.Equal(t, "v1 offline", snap.Conflict.Local)
	assert.Equal(t, "remote catches up", snap.Conflict.Remote)
	assert.Equal(t, "v1 offline", snap.Plaintext)
}

func TestReconcileRetriesAfterStoreRecovers(t *testing.T) {
	e, u := newUnreliableEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("v1 offline")
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) != nil
	}, waitFor, tick)

	u.setFailText(true)
	e.mon.Set(true)
	time.Sleep(2 * fastOpts.ReconcileGrace)
	require.Equal(t, StateReconciling, s.Snapshot().State)

	u.setFailText(false)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateClean && snap.Plaintext == "v1 offline"
	}, waitFor, tick)
	assert.Equal(t, "v1 offline", e.readCanonical(t, secret, doc.Id))
	require.Eventually(t, func() bool {
		return e.readDraft(t, doc.Id, alice.Pub()) == nil
	}, waitFor, tick)
}

func TestKeepLocalSurfacesPublishFailure(t *testing.T) {
	e, u := newUnreliableEnv(t)
	alice := e.newIdentity(t, "alice")
	doc, err := e.svc.CreateDocument(context.Background(), alice, "Notes")
	require.NoError(t, err)
	secret := e.secret(t, alice, doc.Id)

	s := e.open(t, alice, doc.Id)
	s.Edit("v1")
	require.Eventually(t, func() bool {
		return s.Snapshot().LatestRemote == "v1"
	}, waitFor, tick)

	e.mon.Set(false)
	s.Edit("local v2")
	e.putRemote(t, secret, doc.Id, "remote v2")
	e.mon.Set(true)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateConflict
	}, waitFor, tick)

	u.setFailText(true)
	err = s.KeepLocal()
	require.ErrorIs(t, err, store.ErrUnavailable)

	// The conflict and draft survive the failed publish.
	snap := s.Snapshot()
	assert.Equal(t, StateConflict, snap.State)
	require.NotNil(t, snap.Conflict)
	assert.Equal(t, "local v2", snap.Conflict.Local)
	require.NotNil(t, e.readDraft(t, doc.Id, alice.Pub()))

	u.setFailText(false)
	require.NoError(t, s.KeepLocal())
	snap = s.Snapshot()
	assert.Equal(t, StateClean, snap.State)
	assert.Equal(t, "local v2", e.readCanonical(t, secret, doc.Id))
}

func TestFaultedOpenOnMissingKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.newIdentity(t, "alice")
	mallory := e.newIdentity(t, "mallory")

	doc, err := e.svc.CreateDocument(ctx, alice, "Private")
	require.NoError(t, err)

	_, err = Open(ctx, e.svc, mallory, e.mon, doc.Id, fastOpts)
	require.ErrorIs(t, err, service.ErrKeyUnavailable)
}
