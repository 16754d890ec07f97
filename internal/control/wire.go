package control

import (
	"fmt"

	"github.com/treykane/fwdctl/internal/forward"
	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/security"
)

const (
	kindCreate = "create"
	kindEdit   = "edit"
	kindDelete = "delete"
	kindToggle = "toggle"

	codeInvalid  = "invalid"
	codeNotFound = "not_found"
	codeInternal = "internal"
)

type intentRequest struct {
	Kind   string       `json:"kind"`
	HostID int64        `json:"host_id"`
	RuleID int64        `json:"rule_id,omitempty"`
	Fields model.Fields `json:"fields"`
}

func encodeIntent(in forward.Intent) (intentRequest, error) {
	switch in := in.(type) {
	case forward.CreateIntent:
		return intentRequest{Kind: kindCreate, HostID: in.HostID, Fields: in.Fields}, nil
	case forward.EditIntent:
		return intentRequest{Kind: kindEdit, HostID: in.HostID, RuleID: in.RuleID, Fields: in.Fields}, nil
	case forward.DeleteIntent:
		return intentRequest{Kind: kindDelete, HostID: in.HostID, RuleID: in.RuleID}, nil
	case forward.ToggleIntent:
		return intentRequest{Kind: kindToggle, HostID: in.HostID, RuleID: in.RuleID}, nil
	}
	return intentRequest{}, fmt.Errorf("unsupported intent %T", in)
}

func (r intentRequest) intent() (forward.Intent, error) {
	switch r.Kind {
	case kindCreate:
		return forward.CreateIntent{HostID: r.HostID, Fields: r.Fields}, nil
	case kindEdit:
		return forward.EditIntent{HostID: r.HostID, RuleID: r.RuleID, Fields: r.Fields}, nil
	case kindDelete:
		return forward.DeleteIntent{HostID: r.HostID, RuleID: r.RuleID}, nil
	case kindToggle:
		return forward.ToggleIntent{HostID: r.HostID, RuleID: r.RuleID}, nil
	}
	return nil, fmt.Errorf("unknown intent kind %q", r.Kind)
}

// wireError carries both halves of a classified error.
type wireError struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func wrapError(err error) *wireError {
	if err == nil {
		return nil
	}
	return &wireError{Message: security.UserMessage(err, false), Detail: security.DebugMessage(err)}
}

func (e *wireError) unwrap(cause error) error {
	return &security.ClassifiedError{UserSafe: e.Message, DebugDetail: e.Detail, Cause: cause}
}

type errorReply struct {
	Code  string     `json:"code"`
	Error *wireError `json:"error"`
}

type outcomeReply struct {
	Rule          model.Rule `json:"rule"`
	BindError     *wireError `json:"bind_error,omitempty"`
	PersistError  *wireError `json:"persist_error,omitempty"`
	RebindPending bool       `json:"rebind_pending,omitempty"`
}

func encodeOutcome(o forward.Outcome) outcomeReply {
	out := outcomeReply{Rule: o.Rule, RebindPending: o.RebindPending}
	if o.BindErr != nil {
		out.BindError = wrapError(o.BindErr.Err)
	}
	if o.PersistErr != nil {
		out.PersistError = wrapError(o.PersistErr.Err)
	}
	return out
}

func (r outcomeReply) outcome() forward.Outcome {
	out := forward.Outcome{Rule: r.Rule, RebindPending: r.RebindPending}
	if r.BindError != nil {
		out.BindErr = &forward.BindError{Rule: r.Rule, Err: r.BindError.unwrap(nil)}
	}
	if r.PersistError != nil {
		out.PersistErr = &forward.PersistError{Rule: r.Rule, Err: r.PersistError.unwrap(nil)}
	}
	return out
}
