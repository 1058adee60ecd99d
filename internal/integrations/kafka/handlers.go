package kafka

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (p *Publisher) getStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Stats())
}

func (p *Publisher) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/publisher", p.getStats)
}
