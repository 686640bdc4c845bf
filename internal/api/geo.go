package api

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

type createCountryRequest struct {
	Name    string `json:"name"`
	ISOCode string `json:"iso_code"`
}

type planRequest struct {
	Keywords []string `json:"keywords"`
}

func (s *Server) createCountry(w http.ResponseWriter, r *http.Request) {
	var req createCountryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	iso := strings.ToUpper(strings.TrimSpace(req.ISOCode))
	if name == "" || len(iso) != 2 {
		writeError(w, http.StatusBadRequest, "name and two-letter iso_code are required")
		return
	}
	country, err := s.deps.Store.CreateCountry(r.Context(), name, iso)
	if err != nil {
		s.writeFailure(w, r, "create country", err)
		return
	}
	writeJSON(w, http.StatusCreated, country)
}

func (s *Server) populateCountry(w http.ResponseWriter, r *http.Request) {
	countryID, ok := int64Param(w, r, "country_id")
	if !ok {
		return
	}
	count, err := s.deps.Discovery.PopulateCities(r.Context(), countryID)
	if err != nil {
		s.writeFailure(w, r, "populate cities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"country_id": countryID, "cities_count": count})
}

func (s *Server) populateCity(w http.ResponseWriter, r *http.Request) {
	cityID, ok := int64Param(w, r, "city_id")
	if !ok {
		return
	}
	count, err := s.deps.Discovery.PopulateAreas(r.Context(), cityID)
	if err != nil {
		s.writeFailure(w, r, "populate areas", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"city_id": cityID, "areas_count": count})
}

func (s *Server) planCity(w http.ResponseWriter, r *http.Request) {
	cityID, ok := int64Param(w, r, "city_id")
	if !ok {
		return
	}
	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobs, err := s.deps.Discovery.PlanJobs(r.Context(), cityID, req.Keywords)
	if err != nil {
		s.writeFailure(w, r, "plan jobs", err)
		return
	}
	if jobs == nil {
		jobs = []fleet.ScrapeJob{}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"city_id": cityID, "jobs": jobs})
}
