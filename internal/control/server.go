// Package control lets rule commands reach the coordinator inside a running
// serve process. The serve process listens on a unix socket in the config
// directory; requests and replies are JSON over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/treykane/fwdctl/internal/forward"
	"github.com/treykane/fwdctl/internal/model"
)

// ErrAlreadyServing is returned by Listen when another process answers on the
// socket.
var ErrAlreadyServing = errors.New("another serve process owns this host")

// Service is the part of forward.Coordinator the socket exposes.
type Service interface {
	List(ctx context.Context, hostID int64) ([]model.Rule, error)
	Dispatch(ctx context.Context, in forward.Intent) (forward.Outcome, error)
}

const (
	rulesPath   = "/v1/rules"
	intentsPath = "/v1/intents"
)

// NewHandler serves hostID's rules from svc. Requests for any other host are
// rejected.
func NewHandler(svc Service, hostID int64) http.Handler {
	h := &handler{svc: svc, hostID: hostID}
	mux := http.NewServeMux()
	mux.HandleFunc(rulesPath, h.handleRules)
	mux.HandleFunc(intentsPath, h.handleIntent)
	return mux
}

type handler struct {
	svc    Service
	hostID int64
}

func (h *handler) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hostID, err := strconv.ParseInt(r.URL.Query().Get("host"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, fmt.Errorf("invalid host %q", r.URL.Query().Get("host")))
		return
	}
	if !h.owns(w, hostID) {
		return
	}
	rules, err := h.svc.List(r.Context(), hostID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeJSON(w, rules)
}

func (h *handler) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, fmt.Errorf("decode intent: %w", err))
		return
	}
	if !h.owns(w, req.HostID) {
		return
	}
	in, err := req.intent()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err)
		return
	}
	out, err := h.svc.Dispatch(r.Context(), in)
	if err != nil {
		var ve *model.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, codeInvalid, err)
		case errors.Is(err, forward.ErrRuleNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, codeInternal, err)
		}
		return
	}
	slog.Debug("intent served", "kind", req.Kind, "host_id", req.HostID, "rule_id", req.RuleID)
	writeJSON(w, encodeOutcome(out))
}

func (h *handler) owns(w http.ResponseWriter, hostID int64) bool {
	if hostID == h.hostID {
		return true
	}
	writeError(w, http.StatusBadRequest, codeInvalid, fmt.Errorf("this process serves host %d, not %d", h.hostID, hostID))
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write control reply", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorReply{Code: code, Error: wrapError(err)}); err != nil {
		slog.Debug("failed to write control error", "error", err)
	}
}

// Listen opens the control socket at path, owner-only. A leftover socket from
// a dead process is replaced; a live one is an error.
func Listen(path string) (net.Listener, error) {
	if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
		_ = c.Close()
		return nil, ErrAlreadyServing
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve runs h on ln until the returned server is shut down.
func Serve(ln net.Listener, h http.Handler) *http.Server {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("control socket stopped", "error", err)
		}
	}()
	slog.Debug("control socket listening", "path", ln.Addr().String())
	return srv
}
