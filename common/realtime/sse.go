package realtime

import (
	"fmt"
	"net/http"
	"time"
)

// HeaderCompanyID identifies the caller's company. Authentication happens upstream.
const HeaderCompanyID = "X-Company-ID"

// SSEHandler streams a company's room as server-sent events.
func SSEHandler(hub *Hub, keepalive time.Duration) http.Handler {
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		companyID := r.Header.Get(HeaderCompanyID)
		if companyID == "" {
			companyID = r.URL.Query().Get("company_id")
		}
		if companyID == "" {
			http.Error(w, "missing company id", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		conn := hub.Join(companyID)
		defer hub.Leave(conn)

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-conn.Events():
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
