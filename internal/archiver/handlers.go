package archiver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *Archiver) getCatalog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.Catalog())
}

func (a *Archiver) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/archive", a.getCatalog)
}
