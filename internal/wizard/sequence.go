package wizard

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal step transition")

// Sequence is a linear step order with its derived transition table.
// From any step the legal targets are the next step, the previous step
// and the first step (reset). Nothing else is reachable in one move.
type Sequence struct {
	steps []StepID
	index map[StepID]int
	legal map[StepID]map[StepID]bool
}

func NewSequence(steps ...StepID) (*Sequence, error) {
	if len(steps) < 2 {
		return nil, errors.New("a sequence needs at least two steps")
	}
	s := &Sequence{
		steps: append([]StepID(nil), steps...),
		index: make(map[StepID]int, len(steps)),
		legal: make(map[StepID]map[StepID]bool, len(steps)),
	}
	for i, step := range steps {
		if step == "" {
			return nil, errors.New("step ids must not be empty")
		}
		if _, dup := s.index[step]; dup {
			return nil, fmt.Errorf("duplicate step %q", step)
		}
		s.index[step] = i
	}
	for i, step := range steps {
		targets := map[StepID]bool{steps[0]: true}
		if i+1 < len(steps) {
			targets[steps[i+1]] = true
		}
		if i > 0 {
			targets[steps[i-1]] = true
		}
		s.legal[step] = targets
	}
	return s, nil
}

func (s *Sequence) First() StepID { return s.steps[0] }

func (s *Sequence) Steps() []StepID { return append([]StepID(nil), s.steps...) }

func (s *Sequence) Index(step StepID) (int, bool) {
	i, ok := s.index[step]
	return i, ok
}

func (s *Sequence) Next(step StepID) (StepID, bool) {
	i, ok := s.index[step]
	if !ok || i+1 >= len(s.steps) {
		return "", false
	}
	return s.steps[i+1], true
}

func (s *Sequence) Prev(step StepID) (StepID, bool) {
	i, ok := s.index[step]
	if !ok || i == 0 {
		return "", false
	}
	return s.steps[i-1], true
}

// Before lists the steps strictly preceding step, in order.
func (s *Sequence) Before(step StepID) []StepID {
	i, ok := s.index[step]
	if !ok {
		return nil
	}
	return append([]StepID(nil), s.steps[:i]...)
}

// ValidateTransition reports whether moving from one step to another is a single legal move.
func (s *Sequence) ValidateTransition(from, to StepID) error {
	targets, ok := s.legal[from]
	if !ok {
		return fmt.Errorf("%w: unknown source step %q", ErrIllegalTransition, from)
	}
	if from == to || !targets[to] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
