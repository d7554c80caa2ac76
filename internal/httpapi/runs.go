package httpapi

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"controlplane/internal/apierr"
	"controlplane/internal/launcher"
	"controlplane/internal/pathutil"
)

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, s.launcher.StartTrain)
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, s.launcher.StartBacktest)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, start func(context.Context, *launcher.JobRequest) (string, error)) {
	var req launcher.JobRequest
	if err := decodeClosedJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := start(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	urls := make(map[string]string)
	for name, path := range pathutil.ArtifactMap(rec.OutDir) {
		if _, statErr := os.Stat(path); statErr == nil {
			urls[string(name)] = fmt.Sprintf("/runs/%s/files/%s", id, name)
		}
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	artifact, ok := pathutil.ValidArtifact(name)
	if !ok {
		writeError(w, apierr.NotFound("unknown artifact: "+name))
		return
	}
	path := pathutil.ArtifactMap(rec.OutDir)[artifact]
	f, err := os.Open(path)
	if err != nil {
		writeError(w, apierr.NotFound("artifact not yet available: "+name))
		return
	}
	defer f.Close()

	modTime := time.Time{}
	if info, statErr := f.Stat(); statErr == nil {
		modTime = info.ModTime()
	}
	http.ServeContent(w, r, name, modTime, f)
}

// handleBundle streams a zip archive of the run's currently-present
// artifacts. include_model=true also bundles the (potentially large)
// policy binary.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	includeModel := r.URL.Query().Get("include_model") == "true"

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-bundle.zip"`, id))
	zw := zip.NewWriter(w)
	defer zw.Close()

	for name, path := range pathutil.ArtifactMap(rec.OutDir) {
		if name == pathutil.ArtifactModel && !includeModel {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			continue // absent artifact, skip silently per the closed-set contract
		}
		entry, err := zw.Create(string(name))
		if err == nil {
			_, _ = io.Copy(entry, f)
		}
		f.Close()
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.launcher.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
