package backend

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chartsfromquery/c4q/internal/storage"
)

type datasetObject struct {
	storage.ObjectInfo
	Table string `json:"table"`
}

func (s *server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	objects, err := s.deps.Store.List(r.Context(), s.cfg.Backend.DataPrefix)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "LIST_FAILED", "failed to list data files", true, map[string]any{"details": err.Error()})
		return
	}
	datasets := make([]datasetObject, 0, len(objects))
	for _, object := range objects {
		table, ok := storage.TableNameFromKey(object.Key)
		if !ok {
			continue
		}
		datasets = append(datasets, datasetObject{ObjectInfo: object, Table: table})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": datasets})
}

func (s *server) handlePutDataset(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	key, ok := s.datasetKey(w, r)
	if !ok {
		return
	}
	if s.cfg.Upload.MaxBytes > 0 {
		if r.ContentLength > s.cfg.Upload.MaxBytes {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "data file exceeds upload limit", false, map[string]any{"max_bytes": s.cfg.Upload.MaxBytes})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.deps.Store.Put(r.Context(), key, r.Body, r.ContentLength, storage.PutOptions{ContentType: contentType})
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "data file exceeds upload limit", false, map[string]any{"max_bytes": s.cfg.Upload.MaxBytes})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "PUT_FAILED", "failed to store data file", true, map[string]any{"details": err.Error()})
		return
	}
	table, _ := storage.TableNameFromKey(key)
	s.deps.Logger.InfoContext(r.Context(), "data file stored", "key", key, "table", table, "size", info.Size)
	writeJSON(w, http.StatusCreated, datasetObject{ObjectInfo: info, Table: table})
}

func (s *server) handleStatDataset(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	key, ok := s.datasetKey(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Store.Stat(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "DATASET_NOT_FOUND", "data file not found", false, map[string]any{"key": key})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "STAT_FAILED", "failed to stat data file", true, map[string]any{"details": err.Error()})
		return
	}
	table, _ := storage.TableNameFromKey(key)
	writeJSON(w, http.StatusOK, datasetObject{ObjectInfo: info, Table: table})
}

func (s *server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	key, ok := s.datasetKey(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.Delete(r.Context(), key); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "DELETE_FAILED", "failed to delete data file", true, map[string]any{"details": err.Error()})
		return
	}
	s.deps.Logger.InfoContext(r.Context(), "data file deleted", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Store == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STORE_NOT_CONFIGURED", "object store is not configured", false, nil)
		return false
	}
	return true
}

func (s *server) datasetKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := storage.DatasetKey(s.cfg.Backend.DataPrefix, chi.URLParam(r, "name"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DATASET_NAME", err.Error(), false, nil)
		return "", false
	}
	return key, true
}
