package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/upload"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/versions"
)

// VersionHeader carries the version a "latest" read resolved to.
const VersionHeader = "Gypsum-Version"

type target struct {
	project, asset, version string
}

func vars(r *http.Request) target {
	v := mux.Vars(r)
	return target{project: v["project"], asset: v["asset"], version: v["version"]}
}

// Upload session

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	var req upload.InitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, r, err)
		return
	}

	resp, err := s.uploads.Initialize(r.Context(), t.project, t.asset, t.version, req, bearerToken(r))
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	if err := s.uploads.Complete(r.Context(), t.project, t.asset, t.version, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	if err := s.uploads.Abort(r.Context(), t.project, t.asset, t.version, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	path := mux.Vars(r)["path"]
	if err := s.uploads.PutFile(r.Context(), t.project, t.asset, t.version, path, bearerToken(r), r.Body); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

// Reads

func (s *Server) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	v, err := s.versions.Latest(r.Context(), t.project, t.asset)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Latest{Version: v})
}

func (s *Server) handleRefreshLatest(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	v, err := s.versions.RefreshLatest(r.Context(), t.project, t.asset, bearerToken(r))
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Latest{Version: v})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	resolved, manifest, err := s.versions.GetManifest(r.Context(), t.project, t.asset, t.version)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	w.Header().Set(VersionHeader, resolved)
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	resolved, summary, err := s.versions.GetSummary(r.Context(), t.project, t.asset, t.version)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	w.Header().Set(VersionHeader, resolved)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	path := mux.Vars(r)["path"]
	f, err := s.versions.OpenFile(r.Context(), t.project, t.asset, t.version, path)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(f.Info.Size, 10))
	w.Header().Set("ETag", strconv.Quote(f.Entry.MD5Sum))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to stream file")
	}
}

// Version maintenance

func (s *Server) handleApproveProbation(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	if err := s.versions.ApproveProbation(r.Context(), t.project, t.asset, t.version, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleRejectProbation(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	if err := s.versions.RejectProbation(r.Context(), t.project, t.asset, t.version, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	if err := s.versions.DeleteVersion(r.Context(), t.project, t.asset, t.version, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

// Projects

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	t := vars(r)
	var req versions.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, r, err)
		return
	}
	if err := s.versions.CreateProject(r.Context(), t.project, req, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleGetPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.versions.GetPermissions(r.Context(), vars(r).project)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (s *Server) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	var update versions.PermissionsUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		jsonError(w, r, err)
		return
	}
	if err := s.versions.SetPermissions(r.Context(), vars(r).project, update, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.versions.GetQuota(r.Context(), vars(r).project)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var update versions.QuotaUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		jsonError(w, r, err)
		return
	}
	if err := s.versions.SetQuota(r.Context(), vars(r).project, update, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.versions.GetUsage(r.Context(), vars(r).project)
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleRefreshUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.versions.RefreshUsage(r.Context(), vars(r).project, bearerToken(r))
	if err != nil {
		jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := s.versions.Unlock(r.Context(), vars(r).project, bearerToken(r)); err != nil {
		jsonError(w, r, err)
		return
	}
	writeOK(w)
}
