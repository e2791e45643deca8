package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeintel/internal/backend"
	"codeintel/internal/dumps"
	"codeintel/internal/jobs"
)

// locationPayload is the wire shape of a resolved location.
type locationPayload struct {
	Repository string      `json:"repository"`
	Commit     string      `json:"commit"`
	Path       string      `json:"path"`
	Range      dumps.Range `json:"range"`
}

func toPayload(locations []backend.ResolvedLocation) []locationPayload {
	out := make([]locationPayload, 0, len(locations))
	for _, loc := range locations {
		out = append(out, locationPayload{
			Repository: loc.Dump.Repository,
			Commit:     loc.Dump.Commit,
			Path:       loc.Path,
			Range:      loc.Range,
		})
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repository := r.URL.Query().Get("repository")
	commit := r.URL.Query().Get("commit")
	path := r.URL.Query().Get("path")
	if repository == "" || commit == "" || path == "" {
		badRequest(w, "repository, commit, and path are required")
		return
	}

	exists, err := s.backend.Exists(r.Context(), repository, commit, path)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// queryRequest is the body of POST /request.
type queryRequest struct {
	Method   string         `json:"method"`
	Path     string         `json:"path"`
	Position dumps.Position `json:"position"`
	Limit    int            `json:"limit,omitempty"`
	Cursor   string         `json:"cursor,omitempty"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repository := r.URL.Query().Get("repository")
	commit := r.URL.Query().Get("commit")
	if repository == "" || commit == "" {
		badRequest(w, "repository and commit are required")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Path == "" && req.Cursor == "" {
		badRequest(w, "path is required")
		return
	}

	switch req.Method {
	case "definitions":
		locations, err := s.backend.Definitions(r.Context(), repository, commit, req.Path, req.Position)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"locations": toPayload(locations),
		})

	case "references":
		locations, cursor, err := s.backend.References(r.Context(), repository, commit, req.Path, req.Position, req.Limit, req.Cursor)
		if err != nil {
			WriteError(w, err)
			return
		}
		resp := map[string]interface{}{
			"locations": toPayload(locations),
		}
		if cursor != "" {
			resp["cursor"] = cursor
		}
		writeJSON(w, http.StatusOK, resp)

	case "hover":
		text, found, err := s.backend.Hover(r.Context(), repository, commit, req.Path, req.Position)
		if err != nil {
			WriteError(w, err)
			return
		}
		resp := map[string]interface{}{"text": nil}
		if found {
			resp["text"] = text
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		badRequest(w, "method must be definitions, references, or hover")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repository := r.URL.Query().Get("repository")
	commit := r.URL.Query().Get("commit")
	if repository == "" || commit == "" {
		badRequest(w, "repository and commit are required")
		return
	}
	root := r.URL.Query().Get("root")
	tip := r.URL.Query().Get("tip") == "true"

	uploadDir := filepath.Join(s.storageRoot, "uploads")
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		WriteError(w, err)
		return
	}

	uploadPath := filepath.Join(uploadDir, uuid.New().String()+".gz")
	if err := saveUpload(uploadPath, r.Body); err != nil {
		WriteError(w, err)
		return
	}

	job, err := jobs.NewJob(jobs.NameConvert, jobs.ConvertArgs{
		Repository: repository,
		Commit:     commit,
		Root:       root,
		UploadPath: uploadPath,
		Tip:        tip,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := s.jobs.Enqueue(r.Context(), job); err != nil {
		_ = os.Remove(uploadPath)
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func saveUpload(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// handleTips schedules a tip-visibility recomputation for a repository.
// Only one such job is kept pending per repository sweep.
func (s *Server) handleTips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repository := r.URL.Query().Get("repository")
	commit := r.URL.Query().Get("commit")
	if repository == "" || commit == "" {
		badRequest(w, "repository and commit are required")
		return
	}

	job, err := s.jobs.EnsureOnlyRepeatableJob(r.Context(), jobs.NameUpdateTips, jobs.UpdateTipsArgs{
		Repository: repository,
		TipCommit:  commit,
	}, time.Now())
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	limit := intParam(query.Get("limit"), 20)

	if term := query.Get("search"); term != "" {
		found, err := s.jobs.SearchJobs(r.Context(), term, limit)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":       found,
			"totalCount": len(found),
		})
		return
	}

	status := query.Get("status")
	if status == "" {
		status = string(jobs.StatusQueued)
	}
	page, err := s.jobs.SliceJobs(r.Context(), status, limit, intParam(query.Get("offset"), 0))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		badRequest(w, "invalid job id")
		return
	}

	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "job not found",
			Code:  "JOB_NOT_FOUND",
		})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
