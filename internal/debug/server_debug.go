//go:build debug

package debug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Available reports whether this binary was built with the debug tag.
const Available = true

const (
	maxRequestBodyBytes = 10 * 1024 // 10KB max for fault injection requests
)

// FaultRequest represents a fault injection request
type FaultRequest struct {
	Target              *string `json:"target,omitempty"`
	FailNextRetrieve    *bool   `json:"fail_next_retrieve,omitempty"`
	HaltNextRetrieve    *bool   `json:"halt_next_retrieve,omitempty"`
	CorruptNextDelta    *bool   `json:"corrupt_next_delta,omitempty"`
	DelayNextRetrieveMS *int64  `json:"delay_next_retrieve_ms,omitempty"`
}

// Handler serves the fault injection routes for faults, to be mounted at
// /_debug. Never expose it beyond loopback.
func Handler(faults *FaultProfile) http.Handler {
	r := chi.NewRouter()
	r.Get("/", handleIndex)
	r.Get("/faults", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, faults.Snapshot())
	})
	r.Post("/faults", func(w http.ResponseWriter, r *http.Request) {
		setFaults(w, r, faults)
	})
	r.Post("/faults/reset", func(w http.ResponseWriter, _ *http.Request) {
		faults.Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	})
	return r
}

func handleIndex(w http.ResponseWriter, _ *http.Request) {
	const html = `<!DOCTYPE html>
<html>
<head><title>pkiwatch debug</title></head>
<body>
<h1>pkiwatch - Debug Interface</h1>
<p><strong>WARNING:</strong> This is a debug interface. Never use in production.</p>
<ul>
<li><a href="/_debug/faults">/_debug/faults</a> - View/modify fault injection (GET/POST)</li>
<li>/_debug/faults/reset - Reset all faults (POST)</li>
</ul>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// setFaults applies fault injection configuration from a JSON request.
// Fields left out keep their current value.
func setFaults(w http.ResponseWriter, r *http.Request, faults *FaultProfile) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req FaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if req.DelayNextRetrieveMS != nil {
		if err := faults.SetDelayNextRetrieve(time.Duration(*req.DelayNextRetrieveMS) * time.Millisecond); err != nil {
			http.Error(w, fmt.Sprintf("Invalid delay: %v", err), http.StatusBadRequest)
			return
		}
	}
	if req.Target != nil {
		faults.SetTarget(*req.Target)
	}
	if req.FailNextRetrieve != nil {
		faults.SetFailNextRetrieve(*req.FailNextRetrieve)
	}
	if req.HaltNextRetrieve != nil {
		faults.SetHaltNextRetrieve(*req.HaltNextRetrieve)
	}
	if req.CorruptNextDelta != nil {
		faults.SetCorruptNextDelta(*req.CorruptNextDelta)
	}

	writeJSON(w, http.StatusOK, faults.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
