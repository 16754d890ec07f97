package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Type is the kind of tunnel a Rule opens.
type Type string

const (
	TypeLocal   Type = "local"
	TypeRemote  Type = "remote"
	TypeDynamic Type = "dynamic"
)

// UnsetID marks a rule that has never been persisted.
const UnsetID int64 = -1

// ParseType accepts the canonical names plus the short forms used by ssh(1) flags.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "l":
		return TypeLocal, nil
	case "remote", "r":
		return TypeRemote, nil
	case "dynamic", "d", "socks", "dynamic5":
		return TypeDynamic, nil
	}
	return "", fmt.Errorf("unknown forward type %q (want local, remote or dynamic)", s)
}

// Rule is one configured port forward owned by a host.
type Rule struct {
	ID         int64  `json:"id"`
	HostID     int64  `json:"host_id"`
	Nickname   string `json:"nickname"`
	Type       Type   `json:"type"`
	SourcePort int    `json:"source_port"`
	DestAddr   string `json:"dest_addr,omitempty"`
	DestPort   int    `json:"dest_port,omitempty"`

	// Enabled is observed from the live session and is never stored.
	Enabled bool `json:"enabled"`
}

// BindKey identifies the listener a rule occupies. At most one live binding
// exists per key.
type BindKey struct {
	HostID     int64
	Type       Type
	SourcePort int
}

func (k BindKey) String() string {
	return fmt.Sprintf("%d|%s|%d", k.HostID, k.Type, k.SourcePort)
}

// NewRule validates f and builds an unpersisted rule for hostID.
func NewRule(hostID int64, f Fields) (Rule, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return Rule{}, err
	}
	return Rule{
		ID:         UnsetID,
		HostID:     hostID,
		Nickname:   f.Nickname,
		Type:       f.Type,
		SourcePort: f.SourcePort,
		DestAddr:   f.DestAddr,
		DestPort:   f.DestPort,
	}, nil
}

func (r Rule) Persisted() bool { return r.ID > 0 }

func (r Rule) Key() BindKey {
	return BindKey{HostID: r.HostID, Type: r.Type, SourcePort: r.SourcePort}
}

// Fields returns the user-editable part of the rule.
func (r Rule) Fields() Fields {
	return Fields{
		Nickname:   r.Nickname,
		Type:       r.Type,
		SourcePort: r.SourcePort,
		DestAddr:   r.DestAddr,
		DestPort:   r.DestPort,
	}
}

// WithFields applies an edit. ID and HostID are preserved; Enabled is cleared
// because the edited configuration is not live yet.
func (r Rule) WithFields(f Fields) Rule {
	f = f.Normalize()
	r.Nickname = f.Nickname
	r.Type = f.Type
	r.SourcePort = f.SourcePort
	r.DestAddr = f.DestAddr
	r.DestPort = f.DestPort
	r.Enabled = false
	return r
}

// Same reports whether r and o denote the same rule: by ID when both are
// persisted, by full field match otherwise.
func (r Rule) Same(o Rule) bool {
	if r.Persisted() && o.Persisted() {
		return r.ID == o.ID
	}
	return r.HostID == o.HostID && r.Fields() == o.Fields()
}

// Dest renders the destination as host:port, or "" for dynamic rules.
func (r Rule) Dest() string {
	if r.Type == TypeDynamic || r.DestAddr == "" {
		return ""
	}
	return net.JoinHostPort(r.DestAddr, strconv.Itoa(r.DestPort))
}

// Description is the one-line caption shown next to the nickname.
func (r Rule) Description() string {
	switch r.Type {
	case TypeLocal:
		return fmt.Sprintf("Local port %d to %s", r.SourcePort, r.Dest())
	case TypeRemote:
		return fmt.Sprintf("Remote port %d to %s", r.SourcePort, r.Dest())
	case TypeDynamic:
		return fmt.Sprintf("Dynamic port %d (SOCKS)", r.SourcePort)
	}
	return fmt.Sprintf("Unknown type %q", string(r.Type))
}

func (r Rule) String() string {
	if r.Nickname != "" {
		return fmt.Sprintf("%s (%s)", r.Nickname, r.Description())
	}
	return r.Description()
}

// ParseDest splits a "host:port" destination. Bracketed IPv6 literals are
// accepted; a bare hostname without a port is rejected.
func ParseDest(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, ErrMissingDestination
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("parse destination %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse destination port %q: %w", portStr, err)
	}
	if strings.TrimSpace(host) == "" {
		return "", 0, fmt.Errorf("destination %q has no host: %w", s, ErrMissingDestination)
	}
	return host, port, nil
}

type BindingState string

const (
	BindingStarting BindingState = "starting"
	BindingUp       BindingState = "up"
)

// BindingRuntime is the observed state of one live listener.
type BindingRuntime struct {
	Rule      Rule         `json:"rule"`
	Key       string       `json:"key"`
	State     BindingState `json:"state"`
	StartedAt time.Time    `json:"-"`
	UptimeSec int64        `json:"uptime_seconds"`
	LatencyMS int64        `json:"latency_ms"`
}
