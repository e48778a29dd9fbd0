package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/export"
	"github.com/hyperjump/bimingest/internal/geometry"
	"github.com/hyperjump/bimingest/internal/keyword"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/internal/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// queryable loads the model named in the URL and checks its metadata can be
// browsed. It writes the error response and returns nil otherwise.
func (s *Server) queryable(w http.ResponseWriter, r *http.Request) *models.Model {
	id := chi.URLParam(r, "id")
	m, err := s.store.GetModel(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return nil
	}
	if !m.Queryable() {
		s.respondFailure(w, fmt.Errorf("model %s is %s: %w", id, m.ParsingStatus, pipeline.ErrNotParsed))
		return nil
	}
	return m
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	offset, limit, ok := s.page(w, r, defaultPageSize)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := models.EntityFilter{
		ModelID:        m.ID,
		CanonicalType:  q.Get("type"),
		ContainerGUID:  q.Get("container"),
		GeometryStatus: models.GeometryStatus(q.Get("geometry_status")),
		Limit:          limit,
		Offset:         offset,
	}
	if f.GeometryStatus != "" && !f.GeometryStatus.Valid() {
		s.respondError(w, http.StatusBadRequest, "invalid geometry_status")
		return
	}
	entities, err := s.store.ListEntities(r.Context(), f)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	total, err := s.store.CountEntities(r.Context(), f)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if entities == nil {
		entities = []*models.Entity{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entities": entities,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	e, err := s.store.GetEntity(r.Context(), m.ID, chi.URLParam(r, "guid"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleEntityProperties(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	guid := chi.URLParam(r, "guid")
	if _, err := s.store.GetEntity(r.Context(), m.ID, guid); err != nil {
		s.respondFailure(w, err)
		return
	}
	props, err := s.store.ListProperties(r.Context(), m.ID, guid)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if props == nil {
		props = []*models.Property{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"entity_guid": guid, "properties": props})
}

func (s *Server) handleEntityQuantities(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	guid := chi.URLParam(r, "guid")
	if _, err := s.store.GetEntity(r.Context(), m.ID, guid); err != nil {
		s.respondFailure(w, err)
		return
	}
	qs, err := s.store.ListQuantities(r.Context(), m.ID, guid)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if qs == nil {
		qs = []*models.Quantity{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"entity_guid": guid, "quantities": qs})
}

// geometryResponse carries the decoded mesh when ?mesh=true.
type geometryResponse struct {
	*models.Geometry
	Vertices []float64 `json:"vertices,omitempty"`
	Indices  []uint32  `json:"indices,omitempty"`
}

func (s *Server) handleEntityGeometry(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	g, err := s.store.GetGeometry(r.Context(), m.ID, chi.URLParam(r, "guid"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	resp := geometryResponse{Geometry: g}
	if withMesh, _ := strconv.ParseBool(r.URL.Query().Get("mesh")); withMesh && len(g.Vertices) > 0 {
		mesh, err := geometry.Decode(g.Vertices, g.Indices)
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		resp.Vertices, resp.Indices = mesh.Vertices, mesh.Indices
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	cs, err := s.store.ListContainers(r.Context(), m.ID)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if cs == nil {
		cs = []*models.Container{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"containers": cs})
}

// Reports are readable in every state, including a failed Layer 1.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetModel(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	reports, err := s.store.ListReports(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if reports == nil {
		reports = []*models.ProcessingReport{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := s.store.GetReport(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if rep.ModelID != id {
		s.respondError(w, http.StatusNotFound, "report not found")
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

// searchHit is one search result with its entity.
type searchHit struct {
	Score  float64        `json:"score"`
	Entity *models.Entity `json:"entity"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		s.respondError(w, http.StatusNotImplemented, "search not enabled")
		return
	}
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	_, limit, ok := s.page(w, r, 20)
	if !ok {
		return
	}
	fuzzy, _ := strconv.ParseBool(q.Get("fuzzy"))
	s.logger.Debug("search request", zap.String("model_id", m.ID), zap.String("query", query), zap.Int("limit", limit))

	results, err := s.search.Search(r.Context(), m.ID, query, limit, &keyword.SearchOptions{NameBoost: 3, FuzzyEnabled: fuzzy})
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		e, err := s.store.GetEntity(r.Context(), m.ID, res.GUID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		hits = append(hits, searchHit{Score: res.Score, Entity: e})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"query": query, "results": hits, "total": len(hits)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	m := s.queryable(w, r)
	if m == nil {
		return
	}
	var buf bytes.Buffer
	if _, err := export.WriteSchedule(r.Context(), &buf, s.store, m.ID); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", m.ID+".xlsx"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
