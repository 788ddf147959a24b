package ingress

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds the accepted webhook body size.
const maxBodyBytes = 1 << 20

// Mount registers the webhook route on the router.
func (s *Service) Mount(r chi.Router) {
	r.Post("/webhook", s.handleHTTP)
	r.Post("/webhook/{instance}", s.handleHTTP)
}

// handleHTTP adapts HTTP to Handle. Ignored and duplicate outcomes answer
// 200: they are successful handling of expected traffic, and a non-2xx would
// only provoke gateway redelivery of events we already decided about.
func (s *Service) handleHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	res := s.Handle(r.Context(), body)

	code := http.StatusOK
	if res.Status == StatusError {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}
