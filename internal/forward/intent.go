package forward

import (
	"context"
	"errors"
	"fmt"

	"github.com/treykane/fwdctl/internal/model"
)

// Intent is a user request against a host's rule set. The concrete types are
// CreateIntent, EditIntent, DeleteIntent and ToggleIntent.
type Intent interface {
	intent()
}

type CreateIntent struct {
	HostID int64
	Fields model.Fields
}

type EditIntent struct {
	HostID int64
	RuleID int64
	Fields model.Fields
}

type DeleteIntent struct {
	HostID int64
	RuleID int64
}

type ToggleIntent struct {
	HostID int64
	RuleID int64
}

func (CreateIntent) intent() {}
func (EditIntent) intent()   {}
func (DeleteIntent) intent() {}
func (ToggleIntent) intent() {}

// Dispatch runs the operation named by in. Rules are looked up by id in the
// merged list, so only saved rules can be addressed. Deleting an unknown id
// is a no-op.
func (c *Coordinator) Dispatch(ctx context.Context, in Intent) (Outcome, error) {
	switch in := in.(type) {
	case CreateIntent:
		return c.Create(ctx, in.HostID, in.Fields)

	case EditIntent:
		rule, err := c.lookup(ctx, in.HostID, in.RuleID)
		if err != nil {
			return Outcome{}, err
		}
		return c.Update(ctx, rule, in.Fields)

	case DeleteIntent:
		rule, err := c.lookup(ctx, in.HostID, in.RuleID)
		if errors.Is(err, ErrRuleNotFound) {
			return Outcome{}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		c.Delete(ctx, rule)
		rule.Enabled = false
		return Outcome{Rule: rule}, nil

	case ToggleIntent:
		rule, err := c.lookup(ctx, in.HostID, in.RuleID)
		if err != nil {
			return Outcome{}, err
		}
		on, err := c.Toggle(ctx, rule)
		rule.Enabled = on
		out := Outcome{Rule: rule}
		var be *BindError
		if errors.As(err, &be) {
			out.BindErr = be
		} else if err != nil {
			return out, err
		}
		return out, nil
	}
	return Outcome{}, fmt.Errorf("unsupported intent %T", in)
}

func (c *Coordinator) lookup(ctx context.Context, hostID, ruleID int64) (model.Rule, error) {
	rules, err := c.List(ctx, hostID)
	if err != nil {
		return model.Rule{}, err
	}
	for _, r := range rules {
		if r.Persisted() && r.ID == ruleID {
			return r, nil
		}
	}
	return model.Rule{}, fmt.Errorf("rule %d on host %d: %w", ruleID, hostID, ErrRuleNotFound)
}
