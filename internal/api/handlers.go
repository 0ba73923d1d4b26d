// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Alexi5000/videoforge/internal/pipeline"
	"github.com/Alexi5000/videoforge/internal/queue"
	"github.com/Alexi5000/videoforge/internal/store"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"service":    "videoforge",
		"version":    Version,
		"tool_count": len(s.deps.Registry.Names()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}
	if err := s.deps.Cache.HealthCheck(r.Context()); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	} else {
		checks["cache"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeSuccess(w, r, code, map[string]any{
		"status": status,
		"checks": checks,
		"features": map[string]bool{
			"redis_cache": s.deps.Config.RedisAddr != "",
		},
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"tools": s.deps.Registry.List(),
	})
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool_name")

	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := checkVideoID(req.VideoID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := checkParamsSize(req.Parameters); err != nil {
		writeDomainError(w, r, err)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	result, err := s.deps.Dispatcher.Execute(r.Context(), toolName, req.VideoID, req.Parameters, idempotencyKey)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, result)
}

func (s *Server) handleProcessVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req processRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	batch := s.deps.Dispatcher.ProcessVideo(r.Context(), videoID, req.Tools)
	writeSuccess(w, r, http.StatusOK, batch)
}

func (s *Server) handleProcessProgressive(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req progressiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := checkVideoPath(req.VideoPath); err != nil {
		writeDomainError(w, r, err)
		return
	}

	priority := queue.ParsePriority(r.URL.Query().Get("priority"))
	job, created, err := s.deps.Queue.Enqueue(videoID, req.VideoPath, priority)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	// Resubmitting a queued-or-running video returns its existing job.
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeSuccess(w, r, status, map[string]any{
		"job":            job,
		"queue_position": s.deps.Queue.Position(videoID),
		"stage_plan":     pipeline.Plan(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	prog, ok := s.deps.Processor.GetProgress(videoID)
	if !ok {
		writeSuccess(w, r, http.StatusOK, map[string]any{"processing": false})
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"processing": true,
		"progress":   prog,
	})
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	report, err := s.deps.Persist.VerifyVideoDataCompleteness(r.Context(), videoID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, report)
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	videos, err := s.deps.Store.ListVideos(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{"videos": videoViews(videos)})
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	video, err := s.deps.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, videoView(*video))
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	if err := s.deps.Store.SoftDeleteVideo(r.Context(), videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.deps.Cache.InvalidatePattern(r.Context(), "video:"+videoID+":*")
	writeSuccess(w, r, http.StatusOK, map[string]any{"deleted": videoID})
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.deps.Store.LineageForVideo(r.Context(), videoID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{"lineage": lineageViews(recs)})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queued, running, recent := s.deps.Queue.Snapshot()
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"queued_jobs":        queued,
		"active_jobs":        running,
		"completed_jobs":     len(recent),
		"workers":            s.deps.Queue.Workers(),
		"shutdown_requested": s.deps.Queue.ShutdownRequested(),
	})
}

func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	st, ok := s.deps.Queue.Status(videoID)
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no job for video "+videoID, nil)
		return
	}
	writeSuccess(w, r, http.StatusOK, st)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, s.deps.Cache.Stats(r.Context()))
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.Clear(r.Context())
	writeSuccess(w, r, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleCacheInvalidateVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := checkVideoID(videoID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	removed := s.deps.Cache.InvalidatePattern(r.Context(), "video:"+videoID+":*")
	writeSuccess(w, r, http.StatusOK, map[string]any{"invalidated": removed})
}

func (s *Server) handleIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Checker.Check(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, report)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Reconciler.Reconcile(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, result)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.deps.Redriver.Redrive(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, result)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"breakers": s.deps.Dispatcher.BreakerStates(),
	})
}

// videoView shapes a video row for JSON; the store struct has no tags.
func videoView(v store.Video) map[string]any {
	out := map[string]any{
		"video_id":          v.VideoID,
		"filename":          v.Filename,
		"file_path":         v.FilePath,
		"duration":          v.Duration,
		"upload_timestamp":  v.UploadTimestamp,
		"processing_status": string(v.Status),
	}
	if v.ThumbnailPath != "" {
		out["thumbnail_path"] = v.ThumbnailPath
	}
	return out
}

func videoViews(videos []store.Video) []map[string]any {
	out := make([]map[string]any, 0, len(videos))
	for _, v := range videos {
		out = append(out, videoView(v))
	}
	return out
}

func lineageViews(recs []store.LineageRecord) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"lineage_id":    rec.LineageID,
			"video_id":      rec.VideoID,
			"context_id":    rec.ContextID,
			"operation":     rec.Operation,
			"tool_name":     rec.ToolName,
			"tool_version":  rec.ToolVersion,
			"model_version": rec.ModelVersion,
			"parameters":    rec.Parameters,
			"user_id":       rec.UserID,
			"timestamp":     rec.Timestamp,
		})
	}
	return out
}
