package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sufield/pkiwatch/internal/coordinator"
	"github.com/sufield/pkiwatch/internal/domain"
)

// SourceView is one entry of GET /sources.
type SourceView struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	Ready     bool       `json:"ready"`
	LastError string     `json:"last_error,omitempty"`
	LastMerge *time.Time `json:"last_merge,omitempty"`
	Merges    uint64     `json:"merges"`
	Failures  uint64     `json:"failures"`
}

// IdentityView summarises one identity for GET /identities.
type IdentityView struct {
	ServerName  string    `json:"server_name"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	ChainLength int       `json:"chain_length"`
	Valid       bool      `json:"valid"`
	Failure     string    `json:"failure,omitempty"`
}

// IdentitiesView is the body of GET /identities.
type IdentitiesView struct {
	Version    uint64         `json:"version"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	Identities []IdentityView `json:"identities"`
}

type handlers struct {
	watcher Watcher
	logger  *slog.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if h.watcher.Ready() {
		h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	var waiting []string
	for _, st := range h.watcher.States() {
		if !st.Ready() {
			waiting = append(waiting, st.Name)
		}
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "waiting": waiting})
}

func (h *handlers) sources(w http.ResponseWriter, _ *http.Request) {
	states := h.watcher.States()
	out := make([]SourceView, 0, len(states))
	for _, st := range states {
		out = append(out, sourceView(st))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// identities lists every identity, or one when ?server_name= is given.
func (h *handlers) identities(w http.ResponseWriter, r *http.Request) {
	snap := h.watcher.Snapshot()

	if name := r.URL.Query().Get("server_name"); name != "" {
		id, ok := snap.Identity(name)
		if !ok {
			h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "identity not found"})
			return
		}
		h.writeJSON(w, http.StatusOK, identityView(snap, id))
		return
	}

	all := snap.Identities().All()
	out := IdentitiesView{Version: snap.Version(), Identities: make([]IdentityView, 0, len(all))}
	if snap.Version() > 0 {
		at := snap.UpdatedAt()
		out.UpdatedAt = &at
	}
	for _, id := range all {
		out.Identities = append(out.Identities, identityView(snap, id))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", "error", err)
	}
}

func sourceView(st coordinator.SourceStatus) SourceView {
	v := SourceView{
		Name:      st.Name,
		Kind:      string(st.Kind),
		State:     st.State.String(),
		Ready:     st.Ready(),
		LastError: st.LastError,
		Merges:    st.Merges,
		Failures:  st.Failures,
	}
	if !st.LastMerge.IsZero() {
		at := st.LastMerge
		v.LastMerge = &at
	}
	return v
}

func identityView(snap *coordinator.Snapshot, id *domain.Identity) IdentityView {
	leaf := id.Leaf()
	v := IdentityView{
		ServerName:  id.ServerName(),
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		ChainLength: len(id.CertificateChain()),
		Valid:       snap.Valid(id.ServerName()),
	}
	if err := snap.Failure(id.ServerName()); err != nil {
		v.Failure = err.Error()
	}
	return v
}
