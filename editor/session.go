// Package editor drives the live sync/decrypt/encrypt loop for one open
// document: debounced encrypted publishing, live permission re-derivation,
// offline draft capture, and reconciliation with conflict detection on
// reconnect.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/canturgay/p2pEditor/connectivity"
	"github.com/canturgay/p2pEditor/cryptobox"
	"github.com/canturgay/p2pEditor/identity"
	"github.com/canturgay/p2pEditor/models"
	"github.com/canturgay/p2pEditor/service"
	"github.com/canturgay/p2pEditor/store"
)

type State int

const (
	StateClosed State = iota
	StateClean
	StateOfflineEditing
	StateReconciling
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateClean:
		return "clean"
	case StateOfflineEditing:
		return "offline-editing"
	case StateReconciling:
		return "reconciling"
	case StateConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Conflict is a detected divergence between the local draft and the remote
// canonical text, captured at reconciliation time. Remote updates arriving
// afterwards keep feeding the latest-remote tracking value but never mutate
// or resolve a pending Conflict.
type Conflict struct {
	Local  string
	Remote string
}

var (
	ErrClosed     = errors.New("editor session is closed")
	ErrNoConflict = errors.New("no conflict to resolve")
)

type Options struct {
	// DebounceInterval coalesces rapid local edits into one
	// encrypt+publish after this idle period.
	DebounceInterval time.Duration
	// ReconcileGrace is how long reconciliation waits after the online
	// transition for the store's own propagation to settle. A tunable
	// delay, not a correctness guarantee.
	ReconcileGrace time.Duration
}

// Snapshot is a consistent view of the session, taken on its own loop.
type Snapshot struct {
	State        State
	Plaintext    string
	LatestRemote string
	CanEdit      bool
	Role         models.Role
	IsOwner      bool
	Conflict     *Conflict
}

type publishTarget int

const (
	targetCanonical publishTarget = iota
	targetDraft
)

// Session is one identity's open handle on one document. All state below the
// channel pair is owned by the run loop; public methods hand it closures, so
// role notifications, remote updates, timer fires, and local edits interleave
// in any order without torn state.
type Session struct {
	svc  *service.Service
	who  identity.Session
	net  *connectivity.Monitor
	opts Options

	docId  string
	secret [32]byte

	cmdCh  chan func()
	closed chan struct{}

	state         State
	online        bool
	plaintext     string
	latestRemote  string
	role          models.Role
	hasRole       bool
	isOwner       bool
	canEdit       bool
	conflict      *Conflict
	baseline      *string
	offlineBase   *string
	draft         string
	hasDraft      bool
	lastPublished string

	pendingTarget publishTarget
	pendingText   string
	pendingDirty  bool
	pendingTimer  *time.Timer
	graceTimer    *time.Timer

	unsubs        []func()
	finalSnapshot Snapshot
}

// Open resolves the document key and permissions, loads the current text and
// any leftover draft, wires the standing subscriptions, and starts the
// session loop. Key resolution failure faults the open: it is reported to
// the caller and never retried automatically. Cancelling ctx abandons the
// open with nothing subscribed.
func Open(ctx context.Context, svc *service.Service, who identity.Session, net *connectivity.Monitor, docId string, opts Options) (*Session, error) {
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = 300 * time.Millisecond
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = 2 * time.Second
	}

	keyStr, err := svc.ResolveDocumentKey(ctx, who, docId)
	if err != nil {
		return nil, err
	}

	s := &Session{
		svc:    svc,
		who:    who,
		net:    net,
		opts:   opts,
		docId:  docId,
		secret: cryptobox.SecretFromKey(keyStr),
		cmdCh:  make(chan func(), 64),
		closed: make(chan struct{}),
		state:  StateClean,
	}

	// Subscriptions go up before the initial reads so no write lands
	// unseen in between; anything arriving during the open queues on the
	// command loop and applies once it starts.
	s.unsubs = append(s.unsubs,
		svc.SubscribeRole(docId, who.Pub(), func(role *string) {
			s.post(func() { s.applyRole(role) })
		}),
		s.textNode().On(func(ct *string) {
			s.post(func() { s.applyRemote(ct) })
		}),
		net.Subscribe(func(online bool) {
			s.post(func() { s.applyConnectivity(online) })
		}),
	)
	fail := func(err error) (*Session, error) {
		for _, unsub := range s.unsubs {
			unsub()
		}
		return nil, err
	}
	s.online = net.Online()

	s.role, s.hasRole, err = svc.Role(ctx, docId, who.Pub())
	if err != nil {
		return fail(err)
	}
	if s.isOwner, err = svc.IsOwner(ctx, docId, who.Pub()); err != nil {
		return fail(err)
	}
	s.deriveCanEdit()

	if ct, err := s.textNode().Once(ctx); err != nil {
		return fail(err)
	} else if ct != nil {
		if pt, err := cryptobox.Decrypt(*ct, s.secret); err == nil {
			s.plaintext = pt
			s.latestRemote = pt
		} else {
			log.Printf("editor: undecryptable document text for %s: %v", docId, err)
		}
	}

	if ct, err := s.draftNode().Once(ctx); err != nil {
		return fail(err)
	} else if ct != nil {
		if pt, err := cryptobox.Decrypt(*ct, s.secret); err == nil {
			s.draft = pt
			s.hasDraft = true
		} else {
			log.Printf("editor: undecryptable draft for %s: %v", docId, err)
		}
	}

	// A draft left behind by an interrupted session still has to be
	// reconciled; its baseline is gone, so comparison falls back to
	// draft-vs-remote.
	if s.hasDraft {
		if s.online {
			s.state = StateReconciling
			s.scheduleReconcile()
		} else {
			s.plaintext = s.draft
		}
	}

	go s.run()
	return s, nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.cmdCh:
			fn()
		}
	}
}

// post hands fn to the loop; it is dropped once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case s.cmdCh <- fn:
		return true
	case <-s.closed:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) bool {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.closed:
		return false
	}
}

// Snapshot returns a consistent view of the session state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	if !s.call(func() { snap = s.snapshot() }) {
		return s.finalSnapshot
	}
	return snap
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:        s.state,
		Plaintext:    s.plaintext,
		LatestRemote: s.latestRemote,
		CanEdit:      s.canEdit,
		Role:         s.role,
		IsOwner:      s.isOwner,
	}
	if s.conflict != nil {
		c := *s.conflict
		snap.Conflict = &c
	}
	return snap
}

// Edit applies a local mutation. While canEdit is false this is a silent
// no-op; enforcement sits at the write boundary because the backing store
// has no per-field ACLs of its own. While a conflict is pending or
// reconciliation is running, edits are ignored until the session is Clean
// or offline-editing again.
func (s *Session) Edit(text string) {
	s.call(func() { s.applyEdit(text) })
}

// Close flushes any pending debounced write synchronously, tears down every
// standing subscription, and terminates the loop. Nothing mutates session
// state afterwards; late subscription callbacks and timer fires are dropped.
func (s *Session) Close() {
	s.call(func() {
		if s.state == StateClosed {
			return
		}
		if s.pendingTimer != nil {
			s.pendingTimer.Stop()
		}
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		s.flushPending()

		for _, unsub := range s.unsubs {
			unsub()
		}
		s.unsubs = nil
		s.state = StateClosed
		s.finalSnapshot = s.snapshot()
		close(s.closed)
	})
}

func (s *Session) applyEdit(text string) {
	if s.state == StateClosed || !s.canEdit {
		return
	}

	switch s.state {
	case StateClean:
		if s.online {
			s.plaintext = text
			s.schedulePublish(targetCanonical, text)
			return
		}
		// First offline mutation: capture the baseline from the moment
		// connectivity was lost and divert edits to the draft slot.
		base := s.offlineBase
		if base == nil {
			b := s.latestRemote
			base = &b
		}
		s.baseline = base
		s.state = StateOfflineEditing
		s.plaintext = text
		s.draft = text
		s.hasDraft = true
		s.schedulePublish(targetDraft, text)

	case StateOfflineEditing:
		s.plaintext = text
		s.draft = text
		s.hasDraft = true
		s.schedulePublish(targetDraft, text)
	}
}

func (s *Session) applyRemote(ct *string) {
	if s.state == StateClosed || ct == nil {
		return
	}
	// Echo suppression: the store delivering back the ciphertext this
	// session just published must not visibly change anything.
	if *ct == s.lastPublished {
		return
	}

	pt, err := cryptobox.Decrypt(*ct, s.secret)
	if err != nil {
		log.Printf("editor: undecryptable remote update for %s: %v", s.docId, err)
		return
	}
	s.latestRemote = pt

	// Only a Clean session mirrors remote text into the visible plaintext.
	// Offline drafts stay visible, and a pending Conflict is never
	// resolved behind the caller's back.
	if s.state == StateClean && pt != s.plaintext {
		s.plaintext = pt
	}
}

func (s *Session) applyRole(role *string) {
	if s.state == StateClosed {
		return
	}
	if role == nil {
		s.hasRole = false
		s.role = ""
	} else {
		s.hasRole = true
		s.role = models.NormalizeRole(*role)
	}
	s.deriveCanEdit()
}

func (s *Session) applyConnectivity(online bool) {
	if s.state == StateClosed || online == s.online {
		return
	}
	s.online = online

	if !online {
		// Remember what the document looked like at the moment the
		// connection dropped; reconciliation compares against this.
		b := s.plaintext
		s.offlineBase = &b
		return
	}

	s.offlineBase = nil
	if s.state == StateOfflineEditing || s.state == StateReconciling || (s.state == StateClean && s.hasDraft) {
		s.state = StateReconciling
		s.scheduleReconcile()
	}
}

// scheduleReconcile arms the settle-grace timer before baselines are
// compared, so the store's own propagation has a chance to land.
func (s *Session) scheduleReconcile() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.opts.ReconcileGrace, func() {
		s.post(s.reconcile)
	})
}

func (s *Session) reconcile() {
	if s.state != StateReconciling || !s.online {
		return
	}
	remote := s.latestRemote

	// Nobody edited remotely while this session was offline: the draft
	// becomes canonical.
	if s.baseline != nil && *s.baseline == remote {
		// A failed publish must not discard the draft: stay in
		// Reconciling with draft and baseline intact and try again
		// after another grace period.
		if err := s.publishCanonical(s.draft); err != nil {
			log.Printf("editor: reconcile publish for %s: %v", s.docId, err)
			s.scheduleReconcile()
			return
		}
		s.clearDraft()
		s.state = StateClean
		return
	}

	// The draft and the remote text already agree: nothing to publish.
	if s.draft == remote {
		s.plaintext = remote
		s.clearDraft()
		s.state = StateClean
		return
	}

	s.conflict = &Conflict{Local: s.draft, Remote: remote}
	s.state = StateConflict
}

func (s *Session) deriveCanEdit() {
	if !s.hasRole {
		s.canEdit = s.isOwner
		return
	}
	s.canEdit = models.CanEdit(s.role, s.isOwner)
}

func (s *Session) schedulePublish(target publishTarget, text string) {
	s.pendingTarget = target
	s.pendingText = text
	s.pendingDirty = true
	if s.pendingTimer == nil {
		s.pendingTimer = time.AfterFunc(s.opts.DebounceInterval, func() {
			s.post(s.flushPending)
		})
		return
	}
	s.pendingTimer.Reset(s.opts.DebounceInterval)
}

func (s *Session) flushPending() {
	if !s.pendingDirty {
		return
	}
	s.pendingDirty = false

	switch s.pendingTarget {
	case targetCanonical:
		if err := s.publishCanonical(s.pendingText); err != nil {
			log.Printf("editor: publish canonical text for %s: %v", s.docId, err)
		}
	case targetDraft:
		s.publishDraft(s.pendingText)
	}
}

func (s *Session) publishCanonical(text string) error {
	ct, err := cryptobox.Encrypt(text, s.secret)
	if err != nil {
		return fmt.Errorf("encrypt canonical text: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.textNode().Put(ctx, store.Val(ct)); err != nil {
		return fmt.Errorf("publish canonical text: %w", err)
	}
	s.lastPublished = ct
	s.plaintext = text
	s.latestRemote = text
	return nil
}

func (s *Session) publishDraft(text string) {
	ct, err := cryptobox.Encrypt(text, s.secret)
	if err != nil {
		log.Printf("editor: encrypt draft for %s: %v", s.docId, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.draftNode().Put(ctx, store.Val(ct)); err != nil {
		log.Printf("editor: persist draft for %s: %v", s.docId, err)
	}
}

// clearDraft destroys the reconciled draft and its baseline.
func (s *Session) clearDraft() {
	s.draft = ""
	s.hasDraft = false
	s.baseline = nil
	s.offlineBase = nil
	s.pendingDirty = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.draftNode().Put(ctx, nil); err != nil {
		log.Printf("editor: clear draft for %s: %v", s.docId, err)
	}
}

func (s *Session) textNode() store.Node {
	return s.svc.Store.Get("documents", s.docId, "text")
}

func (s *Session) draftNode() store.Node {
	return s.svc.Store.Get("documents", s.docId, "drafts", s.who.Pub())
}
