package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ChargeMail/internal/csvparser"
	"ChargeMail/internal/db"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/mailer"
	"ChargeMail/internal/models"
	"ChargeMail/internal/worker"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
	maxUploadBytes     = 5 << 20
	maxBodyBytes       = 1 << 20
)

type Enqueuer interface {
	QueueEmail(ctx context.Context, req mailer.Request) (mailer.Result, error)
}

type Runner interface {
	RunOnce(ctx context.Context, limit int) (worker.Result, error)
}

type Verifier interface {
	VerifyConnection(ctx context.Context) error
}

type Handler struct {
	Store     db.Store
	Mailer    Enqueuer
	Scheduler Runner
	Transport Verifier
	Log       *zap.Logger
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type queueEmailReq struct {
	To           []string            `json:"to"`
	CC           []string            `json:"cc"`
	BCC          []string            `json:"bcc"`
	Template     models.TemplateName `json:"template"`
	Data         json.RawMessage     `json:"data"`
	Subject      string              `json:"subject"`
	HTML         string              `json:"html"`
	Text         string              `json:"text"`
	ScheduledFor *time.Time          `json:"scheduledFor"`
	MaxAttempts  int                 `json:"maxAttempts"`
}

// QueueEmail handles POST /api/emails.
func (h *Handler) QueueEmail(w http.ResponseWriter, r *http.Request) {
	var req queueEmailReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
		return
	}

	var data any
	if d := bytes.TrimSpace(req.Data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		data = json.RawMessage(d)
	}

	res, err := h.Mailer.QueueEmail(r.Context(), mailer.Request{
		To:           req.To,
		CC:           req.CC,
		BCC:          req.BCC,
		Template:     req.Template,
		Data:         data,
		Subject:      req.Subject,
		HTML:         req.HTML,
		Text:         req.Text,
		ScheduledFor: req.ScheduledFor,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

type queueStatusResp struct {
	Stats  models.QueueStats `json:"stats"`
	Recent []models.EmailJob `json:"recent"`
}

// QueueStatus handles GET /api/admin/email-queue.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recent, err := h.Store.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recent == nil {
		recent = []models.EmailJob{}
	}

	writeJSON(w, http.StatusOK, queueStatusResp{Stats: stats, Recent: recent})
}

type processReq struct {
	Limit int `json:"limit"`
}

type processResp struct {
	Success bool `json:"success"`
	worker.Result
}

// ProcessQueue handles POST /api/admin/email-queue/process. An empty body
// runs a cycle with the configured batch size.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	var req processReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
			return
		}
	}
	if req.Limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must not be negative"})
		return
	}

	res, err := h.Scheduler.RunOnce(r.Context(), req.Limit)
	if err != nil {
		if errs.Is(err, worker.ErrCycleRunning) {
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		}
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, processResp{Success: true, Result: res})
}

// VerifyTransport handles GET /api/admin/email/verify.
func (h *Handler) VerifyTransport(w http.ResponseWriter, r *http.Request) {
	if err := h.Transport.VerifyConnection(r.Context()); err != nil {
		if errs.Is(err, errs.ErrConfiguration) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
		h.Log.Warn("smtp verification failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type broadcastFailure struct {
	Line  int    `json:"line"`
	Email string `json:"email"`
	Error string `json:"error"`
}

type broadcastResp struct {
	Success bool               `json:"success"`
	Queued  int                `json:"queued"`
	Failed  []broadcastFailure `json:"failed"`
}

// Broadcast handles POST /api/admin/email/broadcast: a multipart form with
// a CSV "file", a "template" name and an optional "max_rows". Each row is
// enqueued as its own job with the non-email columns as template data.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart form"})
		return
	}

	template := models.TemplateName(strings.TrimSpace(r.FormValue("template")))
	if !template.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "template must be one of the known templates"})
		return
	}
	maxRows, err := csvparser.ParseMaxRows(r.FormValue("max_rows"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "file is required"})
		return
	}
	defer file.Close()

	rows, err := csvparser.ParseRecipientRows(file, maxRows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := broadcastResp{Success: true, Failed: []broadcastFailure{}}
	for _, row := range rows {
		data, err := row.TemplateData()
		if err == nil {
			var d any
			if data != nil {
				d = data
			}
			_, err = h.Mailer.QueueEmail(r.Context(), mailer.Request{
				To:       []string{row.Email},
				Template: template,
				Data:     d,
			})
		}
		if err != nil {
			resp.Failed = append(resp.Failed, broadcastFailure{Line: row.Line, Email: row.Email, Error: err.Error()})
			continue
		}
		resp.Queued++
	}

	h.Log.Info("broadcast queued",
		zap.String("template", string(template)),
		zap.Int("rows", len(rows)),
		zap.Int("queued", resp.Queued),
		zap.Int("failed", len(resp.Failed)),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

// writeError maps error marks to status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
			zap.Strings("stack", errs.ExtractStackLines(err, 8)),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errs.Is(err, errs.ErrValidation), errs.Is(err, errs.ErrUnknownTemplate), errs.Is(err, errs.ErrTemplateData):
		return http.StatusBadRequest
	case errs.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errs.Is(err, errs.ErrConfiguration):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
