package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/smileloop/smileloop/internal/access"
	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/storage"
)

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := access.Authorize(j, access.Preview); err != nil {
		s.writeError(w, http.StatusConflict, "Preview not ready yet.")
		return
	}
	s.serveArtifact(w, r, j, access.Preview, j.PreviewRef, fmt.Sprintf("smileloop_preview_%s.mp4", j.ID))
}

// handleDownload serves the clean full video. Anything short of a paid job
// is answered with 402.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := access.Authorize(j, access.Full); err != nil {
		s.writeError(w, http.StatusPaymentRequired, "Payment required to download.")
		return
	}

	if err := s.store.IncrementDownloads(r.Context(), j.ID); err != nil {
		s.logger.Error("increment downloads", "job_id", j.ID, "error", err)
	}
	s.audit.LogRequest(audit.Request{
		Event: "download", JobID: j.ID, Method: r.Method, Path: r.URL.Path,
		StatusCode: http.StatusOK, ClientIP: clientIP(r),
	})
	s.serveArtifact(w, r, j, access.Full, j.FullRef, fmt.Sprintf("smileloop_%s.mp4", j.ID))
}

// serveArtifact streams a local file with Range support or redirects to a
// presigned URL. Missing artifacts answer 410 since the job did produce them
// at some point.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, j *model.Job, kind access.Kind, rawRef, filename string) {
	ref, err := storage.ParseRef(rawRef)
	if err != nil {
		s.logger.Error("parse artifact ref", "job_id", j.ID, "ref", rawRef, "error", err)
		s.writeError(w, http.StatusGone, "File not found.")
		return
	}

	loc, err := s.files.Locate(r.Context(), ref, filename)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusGone, "File not found.")
		return
	}
	if err != nil {
		s.logger.Error("locate artifact", "job_id", j.ID, "kind", kind.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to locate video")
		return
	}

	if loc.URL != "" {
		artifactsServed.WithLabelValues(kind.String(), "redirect").Inc()
		http.Redirect(w, r, loc.URL, http.StatusFound)
		return
	}

	f, err := os.Open(loc.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.writeError(w, http.StatusGone, "File not found.")
		return
	}
	if err != nil {
		s.logger.Error("open artifact", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open video")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("stat artifact", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open video")
		return
	}

	// Large videos on slow links outlive the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	disposition := "inline"
	if kind == access.Full {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, filename))
	artifactsServed.WithLabelValues(kind.String(), "file").Inc()
	http.ServeContent(w, r, filename, info.ModTime(), f)
}
