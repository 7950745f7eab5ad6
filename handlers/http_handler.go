package handlers

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const downloadURLTTL = 15 * time.Minute

// HttpHandler is the JSON API over the upload services.
type HttpHandler struct {
	uploadSvc services.UploadService
	chunkSvc  services.ChunkService
	ready     func() bool
	startedAt time.Time

	logger logging.Logger
}

func NewHttpHandler(uploadSvc services.UploadService, chunkSvc services.ChunkService, ready func() bool, l logging.Logger) *HttpHandler {
	return &HttpHandler{
		uploadSvc: uploadSvc,
		chunkSvc:  chunkSvc,
		ready:     ready,
		startedAt: time.Now(),
		logger:    l,
	}
}

func (h *HttpHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/upload", func(r chi.Router) {
		r.Post("/init", h.handleInit)
		r.Post("/chunk", h.handleChunk)
		r.Get("/status/{uploadId}", h.handleStatus)
		r.Post("/complete", h.handleComplete)
		r.Get("/download/{uploadId}", h.handleDownload)
	})

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type initRequest struct {
	FileName string            `json:"fileName"`
	FileSize uint64            `json:"fileSize"`
	FileType string            `json:"fileType"`
	Checksum string            `json:"checksum"`
	OwnerId  string            `json:"ownerId"`
	Metadata map[string]string `json:"metadata"`
}

type initResponse struct {
	UploadId    string    `json:"uploadId"`
	ChunkSize   uint64    `json:"chunkSize"`
	TotalChunks uint32    `json:"totalChunks"`
	UploadUrl   string    `json:"uploadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (h *HttpHandler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "invalid JSON body"))
		return
	}

	out, err := h.uploadSvc.Initialize(r.Context(), services.InitRequest{
		FileName: req.FileName,
		FileSize: req.FileSize,
		FileType: req.FileType,
		OwnerId:  req.OwnerId,
		Checksum: req.Checksum,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, initResponse{
		UploadId:    out.UploadId,
		ChunkSize:   out.ChunkSize,
		TotalChunks: out.TotalChunks,
		UploadUrl:   "/api/upload/chunk",
		ExpiresAt:   out.ExpirationTime,
	})
}

type chunkRequest struct {
	UploadId   string `json:"uploadId"`
	ChunkIndex int64  `json:"chunkIndex"`
	// TotalChunks is advisory; the session row is authoritative.
	TotalChunks uint32 `json:"totalChunks"`
	Data        string `json:"data"`
}

type chunkProgress struct {
	Uploaded   uint32  `json:"uploaded"`
	Total      uint32  `json:"total"`
	Percentage float64 `json:"percentage"`
}

type chunkResponse struct {
	ChunkIndex int64         `json:"chunkIndex"`
	Status     string        `json:"status"`
	Progress   chunkProgress `json:"progress"`
}

func (h *HttpHandler) handleChunk(w http.ResponseWriter, r *http.Request) {
	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "invalid JSON body"))
		return
	}
	if req.UploadId == "" {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "uploadId is required"))
		return
	}
	if req.ChunkIndex < 0 || req.ChunkIndex > math.MaxUint32 {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "chunkIndex out of range").
			WithDetails("chunkIndex", req.ChunkIndex))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "data is not valid base64"))
		return
	}

	out, err := h.chunkSvc.StoreChunk(r.Context(), req.UploadId, uint32(req.ChunkIndex), payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := "uploaded"
	if out.AlreadyPresent {
		status = "already_uploaded"
	}

	var percentage float64
	if out.TotalChunks > 0 {
		percentage = math.Round(float64(out.Uploaded)/float64(out.TotalChunks)*10000) / 100
	}

	h.writeJSON(w, http.StatusOK, chunkResponse{
		ChunkIndex: req.ChunkIndex,
		Status:     status,
		Progress: chunkProgress{
			Uploaded:   out.Uploaded,
			Total:      out.TotalChunks,
			Percentage: percentage,
		},
	})
}

func (h *HttpHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	report, err := h.uploadSvc.Status(r.Context(), uploadID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

type completeRequest struct {
	UploadId string `json:"uploadId"`
}

type completeResponse struct {
	UploadId   string `json:"uploadId"`
	Status     string `json:"status"`
	FilePath   string `json:"filePath"`
	AIPipeline any    `json:"aiPipeline"`
}

func (h *HttpHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "invalid JSON body"))
		return
	}
	if req.UploadId == "" {
		h.writeError(w, r, apperror.New(apperror.CodeValidation, "uploadId is required"))
		return
	}

	out, err := h.uploadSvc.Complete(r.Context(), req.UploadId)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, completeResponse{
		UploadId:   out.UploadId,
		Status:     "completed",
		FilePath:   out.FilePath,
		AIPipeline: out.Pipeline,
	})
}

func (h *HttpHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	url, err := h.uploadSvc.DownloadURL(r.Context(), uploadID, downloadURLTTL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"uploadId":    uploadID,
		"downloadUrl": url,
		"expiresIn":   int(downloadURLTTL.Seconds()),
	})
}

func (h *HttpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

func (h *HttpHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorBody struct {
	Message string         `json:"message"`
	Code    apperror.Code  `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func (h *HttpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperror.AsError(err)
	status := appErr.HTTPStatus()

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}

	h.writeJSON(w, status, map[string]any{
		"error": errorBody{
			Message: appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
		},
	})
}

func (h *HttpHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
