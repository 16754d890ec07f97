package forward

import (
	"errors"
	"fmt"

	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/security"
)

// ErrRuleNotFound is returned by Dispatch when an intent names a rule id the
// host does not have.
var ErrRuleNotFound = errors.New("rule not found")

// BindError reports that a listener could not be opened. The rule keeps its
// previous live state.
type BindError struct {
	Rule model.Rule
	Err  error
}

func newBindError(rule model.Rule, err error) *BindError {
	msg := fmt.Sprintf("Could not start forward: %s", rule.Description())
	return &BindError{Rule: rule, Err: security.Classify(msg, err)}
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %s", e.Rule.Key(), security.DebugMessage(e.Err))
}

func (e *BindError) Unwrap() error { return e.Err }

// PersistError reports a rejected write. Any live binding is left in place,
// so the forward works for this session but will not survive a reconnect.
type PersistError struct {
	Rule model.Rule
	Err  error
}

func newPersistError(rule model.Rule, err error) *PersistError {
	msg := fmt.Sprintf("Could not save forward: %s", rule.Description())
	return &PersistError{Rule: rule, Err: security.Classify(msg, err)}
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("save %s: %s", e.Rule.Key(), security.DebugMessage(e.Err))
}

func (e *PersistError) Unwrap() error { return e.Err }

// Outcome is the result of a mutation that may partially succeed.
type Outcome struct {
	// Rule is the rule as it now stands. Enabled reflects the live state at
	// the time the call returned.
	Rule       model.Rule
	BindErr    *BindError
	PersistErr *PersistError
	// RebindPending is set when Update scheduled a delayed bind; its result
	// arrives as a Notice and a Change.
	RebindPending bool
}

// Err folds the partial failures into one error, or nil.
func (o Outcome) Err() error {
	var errs []error
	if o.BindErr != nil {
		errs = append(errs, o.BindErr)
	}
	if o.PersistErr != nil {
		errs = append(errs, o.PersistErr)
	}
	return errors.Join(errs...)
}
