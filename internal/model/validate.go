package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidPort        = errors.New("port out of range (must be 1-65535)")
	ErrMissingDestination = errors.New("destination is required for local and remote forwards")
	ErrInvalidType        = errors.New("type must be local, remote or dynamic")
)

// ValidationError reports which field was rejected. It unwraps to one of the
// Err* sentinels above.
type ValidationError struct {
	Field  string
	Reason error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// Fields is the user-editable part of a Rule.
type Fields struct {
	Nickname   string `json:"nickname"`
	Type       Type   `json:"type" validate:"oneof=local remote dynamic"`
	SourcePort int    `json:"source_port" validate:"min=1,max=65535"`
	DestAddr   string `json:"dest_addr,omitempty" validate:"required_unless=Type dynamic"`
	DestPort   int    `json:"dest_port,omitempty" validate:"required_unless=Type dynamic,gte=0,lte=65535"`
}

var validate = validator.New()

// Normalize trims input and drops the destination of dynamic forwards, which
// never carry one.
func (f Fields) Normalize() Fields {
	f.Nickname = strings.TrimSpace(f.Nickname)
	f.Type = Type(strings.ToLower(strings.TrimSpace(string(f.Type))))
	f.DestAddr = strings.TrimSpace(f.DestAddr)
	if f.Type == TypeDynamic {
		f.DestAddr = ""
		f.DestPort = 0
	}
	return f
}

// Validate checks f after normalisation. The first failing field wins, in
// declaration order.
func (f Fields) Validate() error {
	f = f.Normalize()
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate forward: %w", err)
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
}

func reasonFor(fe validator.FieldError) error {
	switch fe.Field() {
	case "Type":
		return ErrInvalidType
	case "DestAddr":
		return ErrMissingDestination
	case "DestPort":
		if fe.Tag() == "required_unless" {
			return ErrMissingDestination
		}
		return ErrInvalidPort
	}
	return ErrInvalidPort
}
