/**
 * @description
 * This file contains the session manager of the wizard-service. The `Service`
 * struct owns every live wizard session, keyed by id and owned by one user, and
 * coordinates the session store, the receipt repository, the event publisher
 * and the verification rate limiter around the generic wizard engine.
 *
 * Key features:
 * - Opens sessions from the flow registry and restores them from the session store
 *   when this instance has not seen them yet, or when another instance saved a newer
 *   revision.
 * - Persists a snapshot after every operation, and before every commit reaches the backend.
 * - Holds a commit lock per session so only one instance commits it at a time.
 * - Saves receipts and publishes commit events from the wizard's outcome callbacks.
 * - Refreshes the user's wallet after a successful commit.
 *
 * @dependencies
 * - internal/wizard, internal/flows: The engine and the concrete flows.
 * - internal/store: Session snapshots and receipts.
 * - pkg/rabbitmq: Commit events.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/store"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/rabbitmq"
)

var (
	ErrUnknownFlow     = errors.New("unknown flow")
	ErrSessionNotFound = errors.New("wizard session not found")
)

const (
	verifyRateLimitWindow = time.Minute
	userRefreshMaxAge     = time.Minute
	defaultCommitLockTTL  = 2 * time.Minute
)

// FlowCatalog resolves flows by name. *flows.Registry satisfies it.
type FlowCatalog interface {
	Get(name string) (wizard.Flow, bool)
	List() []wizard.Descriptor
}

// Dependencies wires the Service. Flows, Sessions and Receipts are required.
// Limiter and Wallet may be nil; Locks defaults to an in-process locker, which
// only protects a single instance.
type Dependencies struct {
	Flows    FlowCatalog
	Sessions store.SessionStore
	Receipts store.ReceiptRepository
	Locks    store.CommitLocker
	Events   rabbitmq.Publisher
	Limiter  VerifyLimiter
	Wallet   WalletSource
	Logger   *slog.Logger

	SessionTTL               time.Duration
	CommitLockTTL            time.Duration
	VerifyRateLimitPerMinute int
}

// liveSession is a session held by this instance. revision is the last store
// revision it wrote or restored; saved is set once any save succeeded.
// Both are guarded by Service.mu.
type liveSession struct {
	owner    string
	session  wizard.Session
	revision int64
	saved    bool
}

// Service manages wizard sessions on behalf of signed-in users.
type Service struct {
	flows       FlowCatalog
	sessions    store.SessionStore
	receipts    store.ReceiptRepository
	locks       store.CommitLocker
	lockTTL     time.Duration
	events      rabbitmq.Publisher
	limiter     VerifyLimiter
	wallet      WalletSource
	logger      *slog.Logger
	ttl         time.Duration
	verifyLimit int
	clock       func() time.Time

	mu    sync.Mutex
	live  map[string]*liveSession
	users map[string]*UserHandle
}

// NewService creates a new session manager.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Flows == nil || deps.Sessions == nil || deps.Receipts == nil {
		return nil, errors.New("app: flows, session store and receipt repository are required")
	}
	events := deps.Events
	if events == nil {
		events = &rabbitmq.EventProducerFallback{Logger: deps.Logger}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	locks := deps.Locks
	if locks == nil {
		locks = store.NewMemoryCommitLocker()
	}
	lockTTL := deps.CommitLockTTL
	if lockTTL <= 0 {
		lockTTL = defaultCommitLockTTL
	}

	return &Service{
		flows:       deps.Flows,
		sessions:    deps.Sessions,
		receipts:    deps.Receipts,
		locks:       locks,
		lockTTL:     lockTTL,
		events:      events,
		limiter:     deps.Limiter,
		wallet:      deps.Wallet,
		logger:      logger.With("component", "session_manager"),
		ttl:         ttl,
		verifyLimit: deps.VerifyRateLimitPerMinute,
		clock:       time.Now,
		live:        make(map[string]*liveSession),
		users:       make(map[string]*UserHandle),
	}, nil
}

// Flows describes every registered flow.
func (s *Service) Flows() []wizard.Descriptor {
	return s.flows.List()
}

// Open starts a new session of flow for owner.
func (s *Service) Open(ctx context.Context, owner, flow string, params wizard.Fields) (wizard.Snapshot, error) {
	f, ok := s.flows.Get(flow)
	if !ok {
		return wizard.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownFlow, flow)
	}

	user := s.user(owner)
	if user.Stale(userRefreshMaxAge) {
		if err := user.Refresh(ctx); err != nil {
			s.logger.Warn("failed to refresh user before opening session", "user_id", owner, "error", err)
		}
	}

	sess, err := f.Open("", params, s.sessionOptions(owner)...)
	if err != nil {
		return wizard.Snapshot{}, err
	}

	ls := &liveSession{owner: owner, session: sess}
	s.mu.Lock()
	s.live[sess.ID()] = ls
	s.mu.Unlock()

	snap := s.persist(ctx, ls)
	s.logger.Info("session opened", "session_id", sess.ID(), "flow", flow, "user_id", owner)
	return snap, nil
}

// Get returns the current snapshot of a session.
func (s *Service) Get(ctx context.Context, owner, id string) (wizard.Snapshot, error) {
	ls, err := s.session(ctx, owner, id)
	if err != nil {
		return wizard.Snapshot{}, err
	}
	return ls.session.Snapshot(), nil
}

// SetField stores a value and verifies automatically once the watched inputs are complete.
func (s *Service) SetField(ctx context.Context, owner, id, key, value string) (wizard.Snapshot, error) {
	return s.apply(ctx, owner, id, func(sess wizard.Session) error {
		return sess.Input(ctx, key, value)
	})
}

func (s *Service) Advance(ctx context.Context, owner, id string) (wizard.Snapshot, error) {
	return s.apply(ctx, owner, id, func(sess wizard.Session) error {
		return sess.Advance(ctx)
	})
}

func (s *Service) Retreat(ctx context.Context, owner, id string) (wizard.Snapshot, error) {
	return s.apply(ctx, owner, id, func(sess wizard.Session) error {
		return sess.Retreat()
	})
}

func (s *Service) Verify(ctx context.Context, owner, id string) (wizard.Snapshot, error) {
	return s.apply(ctx, owner, id, func(sess wizard.Session) error {
		return sess.Verify(ctx)
	})
}

// Submit commits the session. The commit outlives a cancelled request so its
// outcome is always recorded.
func (s *Service) Submit(ctx context.Context, owner, id, pin string) (wizard.Snapshot, error) {
	commitCtx := context.WithoutCancel(ctx)
	return s.commit(commitCtx, owner, id, func(sess wizard.Session) error {
		return sess.Submit(commitCtx, pin)
	})
}

func (s *Service) Retry(ctx context.Context, owner, id, pin string) (wizard.Snapshot, error) {
	commitCtx := context.WithoutCancel(ctx)
	return s.commit(commitCtx, owner, id, func(sess wizard.Session) error {
		return sess.Retry(commitCtx, pin)
	})
}

func (s *Service) Reset(ctx context.Context, owner, id string) (wizard.Snapshot, error) {
	return s.apply(ctx, owner, id, func(sess wizard.Session) error {
		return sess.Reset()
	})
}

// Close resets a session and forgets it. A session with a commit in flight cannot be closed.
func (s *Service) Close(ctx context.Context, owner, id string) error {
	ls, err := s.session(ctx, owner, id)
	if err != nil {
		return err
	}
	if s.commitLocked(ctx, id) {
		return wizard.ErrCommitInFlight
	}
	if err := ls.session.Reset(); err != nil {
		return err
	}
	s.drop(ctx, id)
	s.logger.Info("session closed", "session_id", id, "user_id", owner)
	return nil
}

// Receipt returns one of owner's stored receipts.
func (s *Service) Receipt(ctx context.Context, owner, id string) (*store.StoredReceipt, error) {
	return s.receipts.GetReceipt(ctx, owner, id)
}

// Receipts lists owner's most recent receipts.
func (s *Service) Receipts(ctx context.Context, owner string, limit int) ([]store.StoredReceipt, error) {
	return s.receipts.ListReceipts(ctx, owner, limit)
}

// User returns owner's current snapshot.
func (s *Service) User(owner string) wizard.UserSnapshot {
	return s.user(owner).Snapshot()
}

// ExpireIdle resets and forgets live sessions idle for longer than the session TTL.
// Sessions with a commit in flight are kept.
func (s *Service) ExpireIdle(ctx context.Context) int {
	cutoff := s.clock().Add(-s.ttl)

	s.mu.Lock()
	expired := make(map[string]int64)
	for id, ls := range s.live {
		if ls.session.Busy() || ls.session.LastActivity().After(cutoff) {
			continue
		}
		if err := ls.session.Reset(); err != nil {
			continue
		}
		delete(s.live, id)
		expired[id] = ls.revision
	}
	s.mu.Unlock()

	for id, revision := range expired {
		// Another instance may still be driving the session.
		if rec, err := s.sessions.Load(ctx, id); err == nil && rec.Revision > revision {
			continue
		}
		if err := s.sessions.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			s.logger.Warn("failed to delete expired session", "session_id", id, "error", err)
		}
	}
	return len(expired)
}

// Live reports the number of sessions held by this instance.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Service) apply(ctx context.Context, owner, id string, op func(wizard.Session) error) (wizard.Snapshot, error) {
	ls, err := s.session(ctx, owner, id)
	if err != nil {
		return wizard.Snapshot{}, err
	}
	if s.commitLocked(ctx, id) {
		return ls.session.Snapshot(), wizard.ErrCommitInFlight
	}
	opErr := op(ls.session)
	return s.persist(ctx, ls), opErr
}

// commit runs op under the session's commit lock. The session is reloaded once
// the lock is held so a commit finished elsewhere is seen before op runs.
func (s *Service) commit(ctx context.Context, owner, id string, op func(wizard.Session) error) (wizard.Snapshot, error) {
	ls, err := s.session(ctx, owner, id)
	if err != nil {
		return wizard.Snapshot{}, err
	}
	token, ok, err := s.locks.Acquire(ctx, id, s.lockTTL)
	if err != nil {
		return ls.session.Snapshot(), fmt.Errorf("failed to lock session for commit: %w", err)
	}
	if !ok {
		return ls.session.Snapshot(), wizard.ErrCommitInFlight
	}
	defer func() {
		if err := s.locks.Release(ctx, id, token); err != nil {
			s.logger.Warn("failed to release commit lock", "session_id", id, "error", err)
		}
	}()

	if ls, err = s.session(ctx, owner, id); err != nil {
		return wizard.Snapshot{}, err
	}
	opErr := op(ls.session)
	return s.persist(ctx, ls), opErr
}

// commitLocked reports whether any instance holds the session's commit lock.
// A locker error is logged and treated as unlocked; the wizard still refuses
// work while its own commit is pending.
func (s *Service) commitLocked(ctx context.Context, id string) bool {
	held, err := s.locks.Held(ctx, id)
	if err != nil {
		s.logger.Warn("failed to check commit lock", "session_id", id, "error", err)
		return false
	}
	return held
}

// session returns the live copy of a session, reloading it when the store holds a
// newer revision and restoring it when this instance has not seen it. Sessions of
// another owner are reported as not found.
func (s *Service) session(ctx context.Context, owner, id string) (*liveSession, error) {
	ls, live := s.lookup(id)
	if live && ls.owner != owner {
		return nil, ErrSessionNotFound
	}

	rec, err := s.sessions.Load(ctx, id)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		if !live {
			return nil, ErrSessionNotFound
		}
		s.mu.Lock()
		saved := ls.saved
		s.mu.Unlock()
		if saved && !ls.session.Busy() {
			// Closed or expired by another instance.
			s.forget(id, ls)
			return nil, ErrSessionNotFound
		}
		return ls, nil
	case err != nil:
		if live {
			s.logger.Warn("failed to check stored session; using live copy", "session_id", id, "error", err)
			return ls, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if rec.Owner != owner {
		return nil, ErrSessionNotFound
	}
	if live {
		s.mu.Lock()
		current := rec.Revision <= ls.revision
		s.mu.Unlock()
		if current || ls.session.Busy() {
			return ls, nil
		}
	}
	return s.restore(ctx, owner, rec, ls)
}

// restore rebuilds a session from rec and installs it unless another request
// replaced prev first. Values that were not persisted are fetched again.
func (s *Service) restore(ctx context.Context, owner string, rec *store.SessionRecord, prev *liveSession) (*liveSession, error) {
	id := rec.Snapshot.ID
	f, ok := s.flows.Get(rec.Snapshot.Flow)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, rec.Snapshot.Flow)
	}
	sess, err := f.Open(id, rec.Snapshot.Params, s.sessionOptions(owner)...)
	if err != nil {
		return nil, err
	}
	if err := sess.Restore(rec.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	if err := sess.Resume(ctx); err != nil {
		s.logger.Warn("failed to resume restored session", "session_id", id, "error", err)
	}
	ls := &liveSession{owner: owner, session: sess, revision: rec.Revision, saved: true}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live[id]; ok && existing != prev {
		return existing, nil
	}
	s.live[id] = ls
	if prev != nil {
		s.logger.Info("session reloaded", "session_id", id, "flow", rec.Snapshot.Flow, "revision", rec.Revision)
	} else {
		s.logger.Info("session restored", "session_id", id, "flow", rec.Snapshot.Flow, "status", rec.Snapshot.Status)
	}
	return ls, nil
}

func (s *Service) lookup(id string) (*liveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.live[id]
	return ls, ok
}

func (s *Service) forget(id string, ls *liveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[id] == ls {
		delete(s.live, id)
	}
}

func (s *Service) drop(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
	if err := s.sessions.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		s.logger.Warn("failed to delete session", "session_id", id, "error", err)
	}
}

// persist saves the session under the next revision and returns the saved snapshot.
func (s *Service) persist(ctx context.Context, ls *liveSession) wizard.Snapshot {
	snap := ls.session.Snapshot()
	s.mu.Lock()
	ls.revision++
	rec := store.SessionRecord{Owner: ls.owner, Revision: ls.revision, Snapshot: snap.Persistable(), SavedAt: s.clock()}
	s.mu.Unlock()

	if err := s.sessions.Save(ctx, rec); err != nil {
		s.logger.Warn("failed to persist session", "session_id", snap.ID, "error", err)
		return snap
	}
	s.mu.Lock()
	ls.saved = true
	s.mu.Unlock()
	return snap
}

func (s *Service) user(owner string) *UserHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[owner]
	if !ok {
		u = NewUserHandle(owner, s.wallet)
		s.users[owner] = u
	}
	return u
}

func (s *Service) sessionOptions(owner string) []wizard.Option {
	return []wizard.Option{
		wizard.WithLogger(s.logger),
		wizard.WithUser(s.user(owner)),
		wizard.WithVerifyGate(s.verifyGate(owner)),
		wizard.OnCommitStart(func(ctx context.Context, sessionID string) {
			if ls, ok := s.lookup(sessionID); ok {
				s.persist(ctx, ls)
			}
		}),
		wizard.OnSuccess(func(ctx context.Context, o wizard.Outcome) {
			s.commitSucceeded(ctx, owner, o)
		}),
		wizard.OnFailure(func(ctx context.Context, e wizard.FailureEvent) {
			s.commitFailed(ctx, owner, e)
		}),
	}
}

func (s *Service) verifyGate(owner string) wizard.VerifyGate {
	if s.limiter == nil || s.verifyLimit <= 0 {
		return nil
	}
	return func(ctx context.Context) error {
		allowance, err := s.limiter.Take(ctx, owner, s.verifyLimit)
		if err != nil {
			s.logger.Warn("verify rate limiter unavailable; allowing request", "user_id", owner, "error", err)
			return nil
		}
		if allowance.Exceeded() {
			return &wizard.Failure{
				Kind:       wizard.KindVerification,
				Messages:   []string{fmt.Sprintf("Too many verification attempts. Try again in %d seconds.", allowance.RetryAfterSeconds())},
				Retryable:  true,
				StatusCode: 429,
			}
		}
		return nil
	}
}

func (s *Service) commitSucceeded(ctx context.Context, owner string, o wizard.Outcome) {
	now := s.clock()
	stored := store.StoredReceipt{
		Owner:          owner,
		Flow:           o.Flow,
		SessionID:      o.SessionID,
		IdempotencyKey: o.IdempotencyKey,
		Receipt:        o.Receipt,
		SavedAt:        now,
	}
	if err := s.receipts.SaveReceipt(ctx, stored); err != nil {
		s.logger.Error("failed to save receipt", "session_id", o.SessionID, "receipt_id", o.Receipt.ID, "error", err)
	}

	currency := o.Receipt.Currency
	if currency == "" {
		currency = money.Currency
	}
	event := rabbitmq.CommitSucceededEvent{
		SessionID:      o.SessionID,
		Flow:           o.Flow,
		UserID:         owner,
		IdempotencyKey: o.IdempotencyKey,
		ReceiptID:      o.Receipt.ID,
		Reference:      o.Receipt.Reference,
		Status:         string(o.Receipt.Status),
		Amount:         o.Receipt.Amount.String(),
		Currency:       currency,
		Timestamp:      now,
	}
	if err := s.events.PublishCommitSucceeded(ctx, event); err != nil {
		s.logger.Warn("failed to publish commit succeeded event", "session_id", o.SessionID, "error", err)
	}

	if err := s.user(owner).Refresh(ctx); err != nil {
		s.logger.Warn("failed to refresh user after commit", "user_id", owner, "error", err)
	}
}

func (s *Service) commitFailed(ctx context.Context, owner string, e wizard.FailureEvent) {
	event := rabbitmq.CommitFailedEvent{
		SessionID:      e.SessionID,
		Flow:           e.Flow,
		UserID:         owner,
		IdempotencyKey: e.IdempotencyKey,
		Timestamp:      s.clock(),
	}
	if f := e.Failure; f != nil {
		event.Kind = string(f.Kind)
		event.Messages = append([]string(nil), f.Messages...)
		event.StatusCode = f.StatusCode
		event.OutcomeUnknown = f.OutcomeUnknown
	}
	if err := s.events.PublishCommitFailed(ctx, event); err != nil {
		s.logger.Warn("failed to publish commit failed event", "session_id", e.SessionID, "error", err)
	}
}
