// SPDX-License-Identifier: MIT

package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zimustudio/zimu/internal/config"
	"github.com/zimustudio/zimu/internal/job"
	"github.com/zimustudio/zimu/internal/log"
	"github.com/zimustudio/zimu/internal/store"
	"github.com/zimustudio/zimu/internal/vad"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := s.Registry.CountByStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queued":      counts[job.StatusQueued],
		"running":     counts[job.StatusRunning],
		"job_workers": s.Cfg.JobWorkers,
		"concurrency": s.Cfg.Concurrency,
		"auth":        s.Cfg.AuthEnabled(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	languages := make([]string, 0, len(config.SupportedLanguages))
	for l := range config.SupportedLanguages {
		languages = append(languages, l)
	}
	models := make([]string, 0, len(config.SupportedModels))
	for m := range config.SupportedModels {
		models = append(models, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app_title":     s.Cfg.AppTitle,
		"max_upload_mb": s.Cfg.MaxUploadMB,
		"default_model": s.Cfg.DefaultModel,
		"languages":     languages,
		"models":        models,
		"vad": map[string]any{
			"preset_default": s.Cfg.VADPresetDefault,
			"presets":        vad.Presets(),
			"defaults": vad.Tunables{
				Threshold:    s.Cfg.VADThreshold,
				MinSilenceMS: s.Cfg.VADMinSilenceMS,
				MinSpeechMS:  s.Cfg.VADMinSpeechMS,
				SpeechPadMS:  s.Cfg.VADSpeechPadMS,
			},
		},
		"segmentation": map[string]any{
			"max_segment_seconds":             s.Cfg.MaxSegmentSeconds,
			"min_segment_seconds":             s.Cfg.MinSegmentSeconds,
			"min_transcribe_segment_seconds":  s.Cfg.MinTranscribeSegmentSeconds,
			"short_segment_merge_gap_seconds": s.Cfg.ShortSegmentMergeGapSeconds,
		},
	})
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFilename reduces a user-supplied name to a filesystem-safe basename.
// An unusable name falls back to a random upload_<hex>.bin.
func safeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if len(base) > 140 {
		ext := filepath.Ext(base)
		base = base[:140-len(ext)] + ext
	}
	if base == "" || base == "." || base == ".." {
		var b [5]byte
		_, _ = rand.Read(b[:])
		return "upload_" + hex.EncodeToString(b[:]) + ".bin"
	}
	return base
}

func newJobID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")
	r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeBadRequest(w, "invalid multipart upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	language := strings.ToLower(strings.TrimSpace(r.FormValue("language")))
	if language == "" {
		language = "auto"
	}
	if !config.SupportedLanguages[language] {
		writeBadRequest(w, "unsupported language: "+language)
		return
	}
	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		model = s.Cfg.DefaultModel
	}
	if !config.SupportedModels[model] {
		writeBadRequest(w, "unsupported model: "+model)
		return
	}
	if strings.Contains(model, "kotoba") {
		if s.Cfg.HFToken == "" {
			writeBadRequest(w, "HF_TOKEN not configured")
			return
		}
	} else if s.Cfg.DeepgramAPIKey == "" {
		writeBadRequest(w, "DEEPGRAM_API_KEY not configured")
		return
	}

	options := map[string]any{}
	if raw := strings.TrimSpace(r.FormValue("options")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			writeBadRequest(w, "options must be a JSON object")
			return
		}
	}

	id := newJobID()
	name := safeFilename(header.Filename)
	if ext := strings.ToLower(filepath.Ext(name)); !config.AllowedUploadExtensions[ext] {
		logger.Warn().Str(log.FieldJobID, id).Str("ext", ext).Msg("unexpected upload extension, accepting anyway")
	}

	destDir := s.Layout.UploadDir(id)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store upload: " + err.Error()})
		return
	}
	destPath := filepath.Join(destDir, name)
	if err := saveUpload(file, destPath); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store upload: " + err.Error()})
		return
	}

	s.Registry.Init(id, job.Payload{
		FilePath:     destPath,
		Language:     language,
		Model:        model,
		OriginalName: header.Filename,
		Options:      options,
	})
	s.Registry.AppendLog(id, fmt.Sprintf("job queued | file: %s", name))
	s.Queue.Push(id)

	logger.Info().
		Str(log.FieldJobID, id).
		Str(log.FieldModel, model).
		Str(log.FieldLanguage, language).
		Msg("job accepted")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": id})
}

func saveUpload(src multipart.File, destPath string) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return err
	}
	return out.Close()
}

func (s *Server) jobFromPath(r *http.Request) *job.Record {
	id := chi.URLParam(r, "id")
	if !store.IsSafeJobID(id) {
		return nil
	}
	return s.Registry.Get(id)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.jobFromPath(r)
	if rec == nil {
		writeNotFound(w)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	logs, next := rec.LogsAfter(since)

	resp := map[string]any{
		"id":               rec.ID,
		"status":           rec.Status,
		"progress":         rec.Progress,
		"logs":             logs,
		"next_since":       next,
		"cancel_requested": rec.CancelRequested,
	}
	if rec.Error != "" {
		resp["error"] = rec.Error
	}
	if rec.Status == job.StatusDone && rec.ResultPath != "" {
		resp["download_url"] = "/api/download/" + rec.ID
		resp["download_name"] = rec.DownloadName
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec := s.jobFromPath(r)
	if rec == nil {
		writeNotFound(w)
		return
	}
	if rec.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": rec.Status})
		return
	}
	s.Registry.RequestCancel(rec.ID)
	if rec.Status == job.StatusQueued {
		s.Registry.AppendLog(rec.ID, "cancelled while queued")
		s.Registry.SetStatus(rec.ID, job.StatusCancelled)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": job.StatusCancelled})
		return
	}
	s.Registry.AppendLog(rec.ID, "cancel requested")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": rec.Status, "cancel_requested": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec := s.jobFromPath(r)
	if rec == nil || rec.Status != job.StatusDone || rec.ResultPath == "" {
		writeNotFound(w)
		return
	}
	f, err := os.Open(rec.ResultPath)
	if err != nil {
		writeNotFound(w)
		return
	}
	defer func() { _ = f.Close() }()

	name := rec.DownloadName
	if name == "" {
		name = "subtitle.srt"
	}
	w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if st, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	}
	_, _ = io.Copy(w, f)
	s.Registry.MarkDownloaded(rec.ID)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	total, projectID, err := s.Providers.Balance(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeUpstreamError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"project_id": projectID,
		"balance":    total,
	})
}
