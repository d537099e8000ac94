package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
)

// Status is the submission status of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is handed to success callbacks after a commit succeeds.
type Outcome struct {
	SessionID      string
	Flow           string
	Receipt        receipt.Receipt
	Fields         Fields
	Params         Fields
	IdempotencyKey string
	User           UserSnapshot
}

// FailureEvent is handed to failure callbacks after a commit fails.
type FailureEvent struct {
	SessionID      string
	Flow           string
	Failure        *Failure
	IdempotencyKey string
	User           UserSnapshot
}

type SuccessFunc func(ctx context.Context, o Outcome)
type FailureFunc func(ctx context.Context, e FailureEvent)

// CommitStartFunc runs after a commit is marked pending and before the commit hook is called.
type CommitStartFunc func(ctx context.Context, sessionID string)

// VerifyGate may refuse a verifier call before it reaches the network.
type VerifyGate func(ctx context.Context) error

type settings struct {
	clock     func() time.Time
	newKey    func() string
	logger    *slog.Logger
	user      UserHandle
	onSuccess []SuccessFunc
	onFailure []FailureFunc
	onStart   []CommitStartFunc
	gate      VerifyGate
}

type Option func(*settings)

func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// WithKeyFunc overrides idempotency key generation.
func WithKeyFunc(fn func() string) Option {
	return func(s *settings) { s.newKey = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithUser injects the read-only user handle.
func WithUser(user UserHandle) Option {
	return func(s *settings) { s.user = user }
}

func OnSuccess(fn SuccessFunc) Option {
	return func(s *settings) { s.onSuccess = append(s.onSuccess, fn) }
}

func OnFailure(fn FailureFunc) Option {
	return func(s *settings) { s.onFailure = append(s.onFailure, fn) }
}

func OnCommitStart(fn CommitStartFunc) Option {
	return func(s *settings) { s.onStart = append(s.onStart, fn) }
}

// WithVerifyGate installs a check, such as a rate limit, run before every verifier call.
// A *Failure returned by the gate is recorded as is.
func WithVerifyGate(gate VerifyGate) Option {
	return func(s *settings) { s.gate = gate }
}

type state struct {
	step         StepID
	fields       Fields
	resolved     Fields
	verification *Verification
	verifiedFor  string
	verifying    bool
	pin          string
	status       Status
	receipt      *receipt.Receipt
	failure      *Failure
	recovery     *Recovery
	payload      Fields
	idemKey      string
	lastUnknown  bool
	submittedAt  time.Time
	entered      map[StepID]bool
}

// Wizard is one running session of a Definition. It is safe for concurrent use;
// hook calls run outside the session lock.
type Wizard[R any] struct {
	def    *Definition[R]
	id     string
	params Fields
	settings

	mu        sync.Mutex
	st        state
	gen       uint64
	epoch     uint64
	updatedAt time.Time
}

// New opens a session. An empty id gets a generated one.
func New[R any](def *Definition[R], id string, params Fields, opts ...Option) (*Wizard[R], error) {
	if err := def.compile(); err != nil {
		return nil, err
	}
	for _, p := range def.Params {
		if strings.TrimSpace(params[p]) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, p)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	w := &Wizard[R]{def: def, id: id, params: params.Clone()}
	for _, opt := range opts {
		opt(&w.settings)
	}
	if w.clock == nil {
		w.clock = time.Now
	}
	if w.newKey == nil {
		w.newKey = uuid.NewString
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "wizard", "flow", def.Name, "session_id", id)
	w.st = w.fresh()
	w.updatedAt = w.clock()
	return w, nil
}

func (w *Wizard[R]) fresh() state {
	return state{
		step:     w.def.seq.First(),
		fields:   Fields{},
		resolved: Fields{},
		status:   StatusIdle,
		entered:  map[StepID]bool{},
	}
}

func (w *Wizard[R]) ID() string { return w.id }

func (w *Wizard[R]) Flow() string { return w.def.Name }

func (w *Wizard[R]) Definition() *Definition[R] { return w.def }

func (w *Wizard[R]) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.status == StatusPending
}

func (w *Wizard[R]) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updatedAt
}

func (w *Wizard[R]) touch() { w.updatedAt = w.clock() }

func (w *Wizard[R]) userSnapshot() UserSnapshot {
	if w.user == nil {
		return UserSnapshot{}
	}
	return w.user.Snapshot()
}

// record stores a failure and its dispatched recovery.
func (w *Wizard[R]) record(f *Failure) *Failure {
	rec := Dispatch(f, w.def.titles())
	w.st.failure = f
	w.st.recovery = &rec
	return f
}

func (w *Wizard[R]) clearNotice() {
	if w.st.status != StatusFailure {
		w.st.failure = nil
	}
	w.st.recovery = nil
}

// SetField applies the input boundary, stores the value and validates it.
// A value rejected at the boundary leaves the stored value unchanged.
func (w *Wizard[R]) SetField(key, raw string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setFieldLocked(key, raw)
}

func (w *Wizard[R]) setFieldLocked(key, raw string) error {
	f, ok := w.def.field(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	switch w.st.status {
	case StatusPending:
		return ErrCommitInFlight
	case StatusSuccess:
		return ErrCompleted
	}
	if f.Step != w.st.step {
		return fmt.Errorf("%w: %s belongs to %s", ErrFieldNotEditable, key, f.Step)
	}

	value, err := validate.Sanitize(f.Kind, raw)
	if err != nil {
		rejected := Invalid(key, fmt.Sprintf("%s accepts numbers only", f.Label))
		rejected.cause = err
		return w.record(rejected)
	}

	w.touch()
	prev, had := w.st.fields[key]
	if value == "" {
		delete(w.st.fields, key)
	} else {
		w.st.fields[key] = value
	}
	if (prev != value || !had) && w.def.Verifier != nil && w.def.Verifier.watches(key) {
		w.invalidateLocked()
	}

	if err := validate.Check(value, w.st.fields, f.Rules...); err != nil {
		return w.record(Invalid(key, err.Error()))
	}
	if w.st.recovery != nil && (w.st.recovery.Field == key || w.st.recovery.Field == "") {
		w.clearNotice()
	}
	return nil
}

// invalidateLocked drops the verification and supersedes any verification in flight.
func (w *Wizard[R]) invalidateLocked() {
	if w.st.verification != nil {
		w.logger.Debug("verification invalidated")
	}
	w.st.verification = nil
	w.st.verifiedFor = ""
	w.st.verifying = false
	w.gen++
}

// Input is SetField followed by automatic verification once the watched shape is complete.
func (w *Wizard[R]) Input(ctx context.Context, key, raw string) error {
	w.mu.Lock()
	if err := w.setFieldLocked(key, raw); err != nil {
		w.mu.Unlock()
		return err
	}
	v := w.def.Verifier
	trigger := v != nil && v.watches(key) && v.Ready(w.st.fields) && !w.verifiedLocked()
	w.mu.Unlock()

	if !trigger {
		return nil
	}
	return w.Verify(ctx)
}

func (w *Wizard[R]) fingerprintLocked() string {
	v := w.def.Verifier
	parts := make([]string, 0, len(v.Watch))
	for _, key := range v.Watch {
		parts = append(parts, key+"="+w.st.fields[key])
	}
	return strings.Join(parts, "\x1f")
}

func (w *Wizard[R]) verifiedLocked() bool {
	return w.st.verification != nil && w.st.verifiedFor == w.fingerprintLocked()
}

// CanAdvance reports the first unmet requirement of the current step, or nil.
func (w *Wizard[R]) CanAdvance() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canAdvanceLocked(w.st.step)
}

func (w *Wizard[R]) canAdvanceLocked(step StepID) error {
	for _, f := range w.def.Fields {
		if f.Step != step {
			continue
		}
		if err := validate.Check(w.st.fields[f.Key], w.st.fields, f.Rules...); err != nil {
			return Invalid(f.Key, err.Error())
		}
	}
	if v := w.def.Verifier; v != nil && v.Required && v.Step == step && !w.verifiedLocked() {
		msg := v.PendingMessage
		if msg == "" {
			msg = "Verification is required before you continue"
		}
		return &Failure{Kind: KindValidation, Messages: []string{msg}}
	}
	return nil
}

// Advance moves to the next step when the current one validates.
func (w *Wizard[R]) Advance(ctx context.Context) error {
	w.mu.Lock()
	next, err := w.advanceLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return w.enter(ctx, next)
}

func (w *Wizard[R]) advanceLocked() (StepID, error) {
	if w.st.status == StatusPending {
		return "", ErrCommitInFlight
	}
	step := w.st.step
	if step == w.def.CommitStep {
		return "", ErrCommitStepLocked
	}
	next, ok := w.def.seq.Next(step)
	if !ok {
		return "", ErrNoNextStep
	}
	if err := w.def.seq.ValidateTransition(step, next); err != nil {
		return "", err
	}
	if w.st.status != StatusSuccess {
		if err := w.canAdvanceLocked(step); err != nil {
			var f *Failure
			if errors.As(err, &f) {
				w.record(f)
			}
			return "", err
		}
	}
	w.st.step = next
	w.clearNotice()
	w.touch()
	return next, nil
}

// Retreat moves to the previous step, keeping fields and verification.
func (w *Wizard[R]) Retreat() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.st.status == StatusPending {
		return ErrCommitInFlight
	}
	prev, ok := w.def.seq.Prev(w.st.step)
	if !ok {
		return ErrNoPreviousStep
	}
	commitIdx, _ := w.def.seq.Index(w.def.CommitStep)
	prevIdx, _ := w.def.seq.Index(prev)
	if w.st.status == StatusSuccess && prevIdx <= commitIdx {
		return ErrCompleted
	}
	if err := w.def.seq.ValidateTransition(w.st.step, prev); err != nil {
		return err
	}
	if w.st.status == StatusFailure {
		w.st.status = StatusIdle
		w.st.failure = nil
	}
	w.st.step = prev
	w.st.pin = ""
	w.st.recovery = nil
	w.touch()
	return nil
}

// Reset returns the session to its initial state. Flow params are kept.
func (w *Wizard[R]) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.st.status == StatusPending {
		return ErrCommitInFlight
	}
	w.st = w.fresh()
	w.gen++
	w.epoch++
	w.touch()
	return nil
}

// enter runs the step's enter hook at most once per session.
func (w *Wizard[R]) enter(ctx context.Context, step StepID) error {
	hook := w.def.Enter[step]
	if hook == nil {
		return nil
	}

	w.mu.Lock()
	if w.st.entered[step] {
		w.mu.Unlock()
		return nil
	}
	w.st.entered[step] = true
	epoch := w.epoch
	req := EnterRequest{
		Fields:       w.st.fields.Clone(),
		Params:       w.params.Clone(),
		Verification: w.st.verification.clone(),
		User:         w.userSnapshot(),
	}
	if w.st.receipt != nil {
		r := *w.st.receipt
		req.Receipt = &r
	}
	w.mu.Unlock()

	out, err := hook(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.epoch != epoch {
		return nil
	}
	if err != nil {
		w.st.entered[step] = false
		f := Classify(err, PhaseEnter)
		rec := Dispatch(f, w.def.titles())
		w.st.recovery = &rec
		w.logger.Warn("enter hook failed", "step", step, "error", err)
		return f
	}
	for k, v := range out {
		w.st.resolved[k] = v
	}
	w.touch()
	return nil
}
