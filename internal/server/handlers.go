package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/config"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/internal/storage"
)

// modelResponse is a model with its status record and the layer running on it, if any.
type modelResponse struct {
	*models.Model
	Status      models.ModelStatus `json:"status"`
	ActiveLayer models.Layer       `json:"active_layer,omitempty"`
}

func (s *Server) modelResponse(m *models.Model) modelResponse {
	resp := modelResponse{Model: m, Status: m.Status()}
	if s.runner != nil {
		if layer, ok := s.runner.Active(m.ID); ok {
			resp.ActiveLayer = layer
		}
	}
	return resp
}

// handleUpload accepts a model file either as a multipart "file" field or as
// the raw request body, and schedules Layer 1 for it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	q := r.URL.Query()
	schema := q.Get("schema")
	filename := q.Get("filename")
	var body io.Reader = r.Body

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "multipart upload needs a \"file\" field")
			return
		}
		defer file.Close()
		body = file
		if filename == "" {
			filename = header.Filename
		}
		if schema == "" {
			schema = r.FormValue("schema")
		}
	}
	if filename == "" {
		filename = "model.ifc"
	}

	m, _, err := s.orch.Ingest(r.Context(), pipeline.IngestRequest{
		Filename:       filepath.Base(filename),
		DeclaredSchema: schema,
		Body:           body,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "model file too large")
			return
		}
		s.respondFailure(w, err)
		return
	}
	s.logger.Debug("upload request", zap.String("model_id", m.ID), zap.String("filename", m.Filename))

	if s.runner != nil && q.Get("parse") != "false" {
		submit := s.runner.SubmitParse
		if q.Get("geometry") == "false" {
			submit = s.runner.SubmitParseOnly
		}
		if err := submit(r.Context(), m.ID); err != nil {
			s.logger.Error("failed to schedule parse", zap.String("model_id", m.ID), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusAccepted, s.modelResponse(m))
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := s.page(w, r, 0)
	if !ok {
		return
	}
	list, err := s.store.ListModels(r.Context(), offset, limit)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	out := make([]modelResponse, 0, len(list))
	for _, m := range list {
		out = append(out, s.modelResponse(m))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"models": out, "offset": offset, "limit": limit})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.modelResponse(m))
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete model request", zap.String("model_id", id))
	if s.runner != nil {
		if layer, ok := s.runner.Active(id); ok {
			s.respondError(w, http.StatusConflict, "model has a running "+string(layer)+" job; cancel it first")
			return
		}
	}
	if err := s.orch.Delete(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, models.LayerParse)
}

func (s *Server) handleGeometry(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, models.LayerGeometry)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, layer models.Layer) {
	if s.runner == nil {
		s.respondError(w, http.StatusNotImplemented, "processing not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	var err error
	if layer == models.LayerParse {
		err = s.runner.SubmitParse(r.Context(), id)
	} else {
		err = s.runner.SubmitGeometry(r.Context(), id)
	}
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "layer": string(layer), "status": "scheduled"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.respondError(w, http.StatusNotImplemented, "processing not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if !s.runner.Cancel(id) {
		s.respondError(w, http.StatusConflict, "no running job for model")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Models         int                           `json:"models"`
	Parsing        map[models.ParsingStatus]int  `json:"parsing"`
	Geometry       map[models.GeometryStatus]int `json:"geometry"`
	IndexedDocs    *uint64                       `json:"indexed_entities,omitempty"`
	DiskUsageBytes *int64                        `json:"disk_usage_bytes,omitempty"`
	Config         statusConfig                  `json:"config"`
}

type statusConfig struct {
	StorageDriver       string `json:"storage_driver"`
	DatabasePath        string `json:"database_path,omitempty"`
	SearchIndexPath     string `json:"search_index_path,omitempty"`
	UploadDir           string `json:"upload_dir,omitempty"`
	BatchSize           int    `json:"batch_size"`
	GeometryWorkers     int    `json:"geometry_workers"`
	MaxConcurrentModels int    `json:"max_concurrent_models"`
	AutoGeometry        bool   `json:"auto_geometry"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListModels(r.Context(), 0, 0)
	if err != nil {
		s.logger.Error("status: list models failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{
		Models:   len(list),
		Parsing:  map[models.ParsingStatus]int{},
		Geometry: map[models.GeometryStatus]int{},
	}
	for _, m := range list {
		resp.Parsing[m.ParsingStatus]++
		resp.Geometry[m.GeometryStatus]++
	}
	if s.search != nil {
		if n, err := s.search.DocCount(); err == nil {
			resp.IndexedDocs = &n
		}
	}

	s.configMu.Lock()
	cfg := s.appConfig
	resp.Config = statusConfig{
		StorageDriver:       cfg.Storage.Driver,
		SearchIndexPath:     cfg.Storage.SearchIndexPath,
		UploadDir:           cfg.Storage.UploadDir,
		BatchSize:           cfg.Pipeline.BatchSize,
		GeometryWorkers:     cfg.Pipeline.GeometryWorkers,
		MaxConcurrentModels: cfg.Pipeline.MaxConcurrentModels,
		AutoGeometry:        cfg.Pipeline.AutoGeometryOrDefault(),
	}
	paths := []string{cfg.Storage.SearchIndexPath, cfg.Storage.UploadDir}
	if cfg.Storage.Driver == config.DriverSQLite {
		resp.Config.DatabasePath = cfg.Storage.DatabasePath
		paths = append(paths, cfg.Storage.DatabasePath)
	}
	s.configMu.Unlock()

	if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
		resp.DiskUsageBytes = &diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	dirs := s.watch.Directories()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": dirs})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirectories saves the current inbox roots to the config file.
func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.appConfig.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.appConfig); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// page reads offset and limit query parameters. A zero limit means
// defaultLimit; limit is capped at maxPageSize.
func (s *Server) page(w http.ResponseWriter, r *http.Request, defaultLimit int) (offset, limit int, ok bool) {
	q := r.URL.Query()
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return 0, 0, false
		}
		limit = n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	return offset, limit, true
}

// respondFailure maps pipeline and storage errors to status codes.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrNotParsed):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
