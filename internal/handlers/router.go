package handlers

import "net/http"

// Routes registers the session API and the control-protocol WebSocket
// upgrade on a fresh mux. The root path upgrades to the browser's control
// protocol; additional upgrade paths belong to the embedding service.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("POST /sessions/release", h.handleReleaseAny)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/context", h.handleGetContext)
	mux.HandleFunc("POST /sessions/{id}/release", h.handleReleaseSession)
	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Upgrade") == "" {
			http.Error(w, "expected WebSocket upgrade", http.StatusUpgradeRequired)
			return
		}
		h.runtime.ProxyWebSocket(w, r)
	})

	return mux
}
