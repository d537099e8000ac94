/**
 * @description
 * This package is the generic transactional step-wizard: a linear step sequence,
 * per-step field validation, an optional verify-before-commit hook and a commit
 * hook whose response is projected into a receipt. Concrete flows only declare a
 * Definition; all sequencing, invalidation, single-flight and error dispatch
 * rules live here.
 *
 * @dependencies
 * - internal/validate: field kinds and rules.
 * - internal/receipt: result projection target.
 * - github.com/google/uuid: session ids and idempotency keys.
 */
package wizard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valarpay/wizard-service/internal/money"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/validate"
)

// StepID names one step of a flow.
type StepID string

// Fields holds raw collected values keyed by field key.
type Fields map[string]string

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Amount parses an amount field, returning zero when absent or malformed.
func (f Fields) Amount(key string) money.Amount {
	a, err := money.Parse(f[key])
	if err != nil {
		return money.Zero
	}
	return a
}

func (f Fields) equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Field declares one input collected on a step.
type Field struct {
	Key     string
	Label   string
	Step    StepID
	Kind    validate.Kind
	Rules   []validate.Rule
	Options func(Fields) []string
	// Secret values (PINs entered as fields) never leave the process.
	Secret bool
}

// Verification is the resolved identity of a verify-before-commit target.
type Verification struct {
	VerifiedName     string         `json:"verifiedName"`
	SessionToken     string         `json:"sessionToken,omitempty"`
	ResolvedMetadata map[string]any `json:"resolvedMetadata,omitempty"`
}

func (v *Verification) clone() *Verification {
	if v == nil {
		return nil
	}
	out := *v
	if v.ResolvedMetadata != nil {
		out.ResolvedMetadata = make(map[string]any, len(v.ResolvedMetadata))
		for k, val := range v.ResolvedMetadata {
			out.ResolvedMetadata[k] = val
		}
	}
	return &out
}

// UserSnapshot is the read-only view of the signed-in user handed to hooks.
type UserSnapshot struct {
	UserID           string       `json:"userId"`
	DisplayName      string       `json:"displayName,omitempty"`
	AvailableBalance money.Amount `json:"availableBalance"`
	RefreshedAt      time.Time    `json:"refreshedAt"`
}

// UserHandle exposes the current user snapshot. Wizards never mutate it.
type UserHandle interface {
	Snapshot() UserSnapshot
}

type VerifyRequest struct {
	Fields Fields
	Params Fields
	User   UserSnapshot
}

// VerifierSpec configures verify-before-commit for a flow.
type VerifierSpec struct {
	// Step is where the verified target is entered.
	Step  StepID
	Watch []string
	// Ready reports whether the watched inputs have a complete shape.
	Ready  func(Fields) bool
	Verify func(ctx context.Context, req VerifyRequest) (*Verification, error)
	// AutoAdvance moves past Step as soon as verification succeeds.
	AutoAdvance bool
	// Required blocks leaving Step and committing while unverified.
	Required       bool
	FailureTitle   string
	PendingMessage string
}

func (v *VerifierSpec) watches(key string) bool {
	for _, w := range v.Watch {
		if w == key {
			return true
		}
	}
	return false
}

type CommitRequest struct {
	Fields         Fields
	Params         Fields
	PIN            string
	Verification   *Verification
	IdempotencyKey string
	User           UserSnapshot
}

type ProjectContext struct {
	Fields       Fields
	Params       Fields
	Verification *Verification
	SubmittedAt  time.Time
	User         UserSnapshot
}

type EnterRequest struct {
	Fields       Fields
	Params       Fields
	Verification *Verification
	Receipt      *receipt.Receipt
	User         UserSnapshot
}

// EnterHook is a read-only side effect run the first time a step is entered.
// Returned values are exposed as resolved data on the session.
type EnterHook func(ctx context.Context, req EnterRequest) (Fields, error)

// Definition describes one concrete flow. R is the commit hook's raw response type.
type Definition[R any] struct {
	Name         string
	Title        string
	Description  string
	Steps        []StepID
	Fields       []Field
	Params       []string
	CommitStep   StepID
	ResultStep   StepID
	Verifier     *VerifierSpec
	Enter        map[StepID]EnterHook
	Commit       func(ctx context.Context, req CommitRequest) (R, error)
	Project      func(resp R, pc ProjectContext) receipt.Receipt
	PINLength    int
	FailureTitle string

	// SecretResolved names enter hook results shown to the client but never persisted.
	SecretResolved []string

	once     sync.Once
	seq      *Sequence
	fieldIdx map[string]int
	err      error
}

func (d *Definition[R]) compile() error {
	d.once.Do(func() {
		d.err = d.build()
	})
	return d.err
}

func (d *Definition[R]) build() error {
	seq, err := NewSequence(d.Steps...)
	if err != nil {
		return fmt.Errorf("flow %s: %w", d.Name, err)
	}
	if d.Commit == nil || d.Project == nil {
		return fmt.Errorf("flow %s: commit and project hooks are required", d.Name)
	}
	commitIdx, ok := seq.Index(d.CommitStep)
	if !ok {
		return fmt.Errorf("flow %s: commit step %q not in sequence", d.Name, d.CommitStep)
	}
	resultIdx, ok := seq.Index(d.ResultStep)
	if !ok || resultIdx != commitIdx+1 {
		return fmt.Errorf("flow %s: result step %q must directly follow the commit step", d.Name, d.ResultStep)
	}

	idx := make(map[string]int, len(d.Fields))
	for i, f := range d.Fields {
		if _, dup := idx[f.Key]; dup {
			return fmt.Errorf("flow %s: duplicate field %q", d.Name, f.Key)
		}
		stepIdx, ok := seq.Index(f.Step)
		if !ok || stepIdx >= commitIdx {
			return fmt.Errorf("flow %s: field %q must belong to a step before %q", d.Name, f.Key, d.CommitStep)
		}
		idx[f.Key] = i
	}
	if v := d.Verifier; v != nil {
		stepIdx, ok := seq.Index(v.Step)
		if !ok || stepIdx >= commitIdx {
			return fmt.Errorf("flow %s: verifier step %q must precede the commit step", d.Name, v.Step)
		}
		if v.Verify == nil || v.Ready == nil || len(v.Watch) == 0 {
			return fmt.Errorf("flow %s: verifier needs watch fields, ready and verify", d.Name)
		}
		for _, key := range v.Watch {
			if _, ok := idx[key]; !ok {
				return fmt.Errorf("flow %s: verifier watches unknown field %q", d.Name, key)
			}
		}
	}
	for step := range d.Enter {
		if _, ok := seq.Index(step); !ok {
			return fmt.Errorf("flow %s: enter hook for unknown step %q", d.Name, step)
		}
	}
	if d.PINLength <= 0 {
		d.PINLength = 4
	}
	d.seq = seq
	d.fieldIdx = idx
	return nil
}

func (d *Definition[R]) field(key string) (Field, bool) {
	i, ok := d.fieldIdx[key]
	if !ok {
		return Field{}, false
	}
	return d.Fields[i], true
}

func (d *Definition[R]) isSecret(key string) bool {
	f, ok := d.field(key)
	return ok && f.Secret
}

func (d *Definition[R]) titles() Titles {
	t := Titles{Commit: d.FailureTitle}
	if d.Verifier != nil {
		t.Verification = d.Verifier.FailureTitle
	}
	return t
}

// Validate checks that the definition is well formed.
func (d *Definition[R]) Validate() error { return d.compile() }

func (d *Definition[R]) FlowName() string { return d.Name }

// Describe returns the client-facing description of the flow.
func (d *Definition[R]) Describe() Descriptor {
	desc := Descriptor{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		Steps:       append([]StepID(nil), d.Steps...),
		CommitStep:  d.CommitStep,
		ResultStep:  d.ResultStep,
		Params:      append([]string(nil), d.Params...),
		PINLength:   d.PINLength,
	}
	if desc.PINLength <= 0 {
		desc.PINLength = 4
	}
	for _, f := range d.Fields {
		fd := FieldDescriptor{Key: f.Key, Label: f.Label, Step: f.Step, Kind: f.Kind, Secret: f.Secret}
		if f.Options != nil {
			fd.Options = f.Options(Fields{})
		}
		desc.Fields = append(desc.Fields, fd)
	}
	if v := d.Verifier; v != nil {
		desc.Verifier = &VerifierDescriptor{
			Step:        v.Step,
			Watch:       append([]string(nil), v.Watch...),
			AutoAdvance: v.AutoAdvance,
			Required:    v.Required,
		}
	}
	return desc
}

// Open starts a fresh session of this flow.
func (d *Definition[R]) Open(id string, params Fields, opts ...Option) (Session, error) {
	w, err := New(d, id, params, opts...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Descriptor is the serialisable shape of a flow for clients.
type Descriptor struct {
	Name        string              `json:"name"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Steps       []StepID            `json:"steps"`
	CommitStep  StepID              `json:"commitStep"`
	ResultStep  StepID              `json:"resultStep"`
	Params      []string            `json:"params,omitempty"`
	PINLength   int                 `json:"pinLength"`
	Fields      []FieldDescriptor   `json:"fields"`
	Verifier    *VerifierDescriptor `json:"verifier,omitempty"`
}

type FieldDescriptor struct {
	Key     string        `json:"key"`
	Label   string        `json:"label"`
	Step    StepID        `json:"step"`
	Kind    validate.Kind `json:"kind"`
	Options []string      `json:"options,omitempty"`
	Secret  bool          `json:"secret,omitempty"`
}

type VerifierDescriptor struct {
	Step        StepID   `json:"step"`
	Watch       []string `json:"watch"`
	AutoAdvance bool     `json:"autoAdvance"`
	Required    bool     `json:"required"`
}

// Flow is the type-erased view of a Definition used by registries and transports.
type Flow interface {
	FlowName() string
	Describe() Descriptor
	Validate() error
	Open(id string, params Fields, opts ...Option) (Session, error)
}

// Session is the type-erased view of a running wizard.
type Session interface {
	ID() string
	Flow() string
	SetField(key, raw string) error
	Input(ctx context.Context, key, raw string) error
	CanAdvance() error
	Advance(ctx context.Context) error
	Retreat() error
	Verify(ctx context.Context) error
	Submit(ctx context.Context, pin string) error
	Retry(ctx context.Context, pin string) error
	Reset() error
	Snapshot() Snapshot
	Restore(s Snapshot) error
	Resume(ctx context.Context) error
	Busy() bool
	LastActivity() time.Time
}
