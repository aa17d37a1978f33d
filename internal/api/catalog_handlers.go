package api

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
)

func listBranchesHandler(cat *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := cat.Snapshot()

		branches := snap.Branches()
		out := make([]BranchResponse, 0, len(branches))
		for _, b := range branches {
			out = append(out, BranchResponse{
				Code:    b.Code,
				Name:    b.Name,
				Doctors: b.Doctors,
				Types:   b.Types,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// reloadCatalogHandler swaps in the catalog file's current contents. A file
// that fails validation leaves the running snapshot untouched.
func reloadCatalogHandler(cat *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cat.Reload(); err != nil {
			log.Error().Err(err).Msg("catalog reload rejected")
			writeError(w, http.StatusUnprocessableEntity, "invalid_catalog", err.Error())
			return
		}

		log.Info().Msg("catalog reloaded")
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
