package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/alertledger/internal/api/middleware"
	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/reconcile"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

// MaxReceiptBytes bounds an uploaded receipt image.
const MaxReceiptBytes = 10 << 20

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func enqueue(ctx context.Context, w http.ResponseWriter, publisher jobs.Publisher, log zerolog.Logger, job *jobs.Job) {
	if err := publisher.Publish(ctx, job); err != nil {
		log.Error().Err(err).Str("job_type", string(job.Type)).Msg("Failed to enqueue job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	log.Info().Str("job_id", job.JobID).Str("job_type", string(job.Type)).Str("owner", job.Owner).Msg("Job enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, job)
}

func writeStoreError(w http.ResponseWriter, log zerolog.Logger, err error, what string) {
	if errors.Is(err, domain.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, what+" not found")
		return
	}
	log.Error().Err(err).Msg("Request failed")
	middleware.WriteError(w, http.StatusInternalServerError, "Failed to load "+what)
}

// MessagesHandler triggers mailbox syncs and message reprocessing.
type MessagesHandler struct {
	store     store.RawMessageStore
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(st store.RawMessageStore, publisher jobs.Publisher, log zerolog.Logger) *MessagesHandler {
	return &MessagesHandler{store: st, publisher: publisher, log: log}
}

// SyncMailbox handles POST /api/sync
func (h *MessagesHandler) SyncMailbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string     `json:"owner"`
		Since *time.Time `json:"since"`
		Until *time.Time `json:"until"`
	}
	if err := decode(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Owner == "" {
		middleware.WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if req.Since != nil && req.Until != nil && !req.Until.After(*req.Since) {
		middleware.WriteError(w, http.StatusBadRequest, "until must be after since")
		return
	}

	enqueue(r.Context(), w, h.publisher, h.log, &jobs.Job{
		Type:  jobs.JobTypeSyncMailbox,
		Owner: req.Owner,
		Since: req.Since,
		Until: req.Until,
	})
}

// Reprocess handles POST /api/messages/reprocess. With a message_id only
// that message is queued, otherwise every unparsed or flagged message of
// the owner.
func (h *MessagesHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner     string `json:"owner"`
		MessageID string `json:"message_id"`
	}
	if err := decode(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ctx := r.Context()

	var ids []string
	switch {
	case req.MessageID != "":
		msg, err := h.store.GetRawMessage(ctx, req.MessageID)
		if err != nil {
			writeStoreError(w, h.log, err, "message")
			return
		}
		req.Owner = msg.Owner
		ids = []string{msg.ID}
	case req.Owner != "":
		pending, err := h.store.ListUnparsed(ctx, req.Owner)
		if err != nil {
			writeStoreError(w, h.log, err, "messages")
			return
		}
		review, err := h.store.ListManualReview(ctx, req.Owner)
		if err != nil {
			writeStoreError(w, h.log, err, "messages")
			return
		}
		seen := make(map[string]bool)
		for _, m := range append(pending, review...) {
			if !seen[m.ID] {
				seen[m.ID] = true
				ids = append(ids, m.ID)
			}
		}
	default:
		middleware.WriteError(w, http.StatusBadRequest, "owner or message_id is required")
		return
	}

	jobIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		job := &jobs.Job{Type: jobs.JobTypeProcessMessage, Owner: req.Owner, MessageID: id}
		if err := h.publisher.Publish(ctx, job); err != nil {
			h.log.Error().Err(err).Str("message_id", id).Msg("Failed to enqueue reprocessing")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
			return
		}
		jobIDs = append(jobIDs, job.JobID)
	}

	h.log.Info().Str("owner", req.Owner).Int("count", len(jobIDs)).Msg("Messages queued for reprocessing")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_ids": jobIDs,
		"count":   len(jobIDs),
	})
}

// ListManualReview handles GET /api/messages/review?owner=
func (h *MessagesHandler) ListManualReview(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		middleware.WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}

	msgs, err := h.store.ListManualReview(r.Context(), owner)
	if err != nil {
		writeStoreError(w, h.log, err, "messages")
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"count":    len(out),
	})
}

// CategorizationHandler triggers categorization runs.
type CategorizationHandler struct {
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewCategorizationHandler creates a new categorization handler.
func NewCategorizationHandler(publisher jobs.Publisher, log zerolog.Logger) *CategorizationHandler {
	return &CategorizationHandler{publisher: publisher, log: log}
}

func (h *CategorizationHandler) trigger(w http.ResponseWriter, r *http.Request, t jobs.JobType) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := decode(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Owner == "" {
		middleware.WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}
	enqueue(r.Context(), w, h.publisher, h.log, &jobs.Job{Type: t, Owner: req.Owner})
}

// Categorize handles POST /api/categorize
func (h *CategorizationHandler) Categorize(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, jobs.JobTypeCategorizeUser)
}

// ReprocessUnknown handles POST /api/categorize/unknown
func (h *CategorizationHandler) ReprocessUnknown(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, jobs.JobTypeReprocessUnknown)
}

// Corrector stores a user's category correction.
type Corrector interface {
	CorrectCategory(ctx context.Context, txID, category string) (*reconcile.Correction, error)
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	store     store.TransactionStore
	corrector Corrector
	log       zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(st store.TransactionStore, corrector Corrector, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{store: st, corrector: corrector, log: log}
}

// ListTransactions handles GET /api/transactions?owner=&category=
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	owner := query.Get("owner")
	if owner == "" {
		middleware.WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}

	var (
		txs []*domain.Transaction
		err error
	)
	if category := query.Get("category"); category != "" {
		txs, err = h.store.ListByCategory(r.Context(), owner, category)
	} else {
		txs, err = h.store.ListTransactions(r.Context(), owner)
	}
	if err != nil {
		writeStoreError(w, h.log, err, "transactions")
		return
	}

	// Return array directly for frontend compatibility
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, newTransactionView(tx))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

// GetTransaction handles GET /api/transactions/{id}
func (h *TransactionsHandler) GetTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	tx, err := h.store.GetTransaction(r.Context(), txID)
	if err != nil {
		writeStoreError(w, h.log, err, "transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newTransactionView(tx))
}

// CorrectCategory handles PUT /api/transactions/{id}/category. The
// response carries the propagation job id when one was queued.
func (h *TransactionsHandler) CorrectCategory(w http.ResponseWriter, r *http.Request, txID string) {
	var req struct {
		Category *string `json:"category"`
	}
	if err := decode(r, &req); err != nil || req.Category == nil {
		middleware.WriteError(w, http.StatusBadRequest, "category is required")
		return
	}

	c, err := h.corrector.CorrectCategory(r.Context(), txID, strings.TrimSpace(*req.Category))
	if err != nil {
		writeStoreError(w, h.log, err, "transaction")
		return
	}

	status := http.StatusOK
	if c.JobID != "" {
		status = http.StatusAccepted
	}
	middleware.WriteJSON(w, status, map[string]any{
		"transaction": newTransactionView(c.Transaction),
		"job_id":      c.JobID,
	})
}

// CategoriesHandler handles category-related endpoints.
type CategoriesHandler struct {
	store store.CategoryStore
	log   zerolog.Logger
}

// NewCategoriesHandler creates a new categories handler.
func NewCategoriesHandler(st store.CategoryStore, log zerolog.Logger) *CategoriesHandler {
	return &CategoriesHandler{store: st, log: log}
}

// ListCategories handles GET /api/categories
func (h *CategoriesHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.store.ListCategories(r.Context())
	if err != nil {
		writeStoreError(w, h.log, err, "categories")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"categories": categories,
		"count":      len(categories),
	})
}

// SaveKeywords handles PUT /api/keywords
func (h *CategoriesHandler) SaveKeywords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner    string   `json:"owner"`
		Category string   `json:"category"`
		Keywords []string `json:"keywords"`
	}
	if err := decode(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Owner == "" || strings.TrimSpace(req.Category) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "owner and category are required")
		return
	}

	m := domain.CategoryKeywordMap{Owner: req.Owner, Category: strings.TrimSpace(req.Category)}
	for _, kw := range req.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			m.Keywords = append(m.Keywords, kw)
		}
	}
	if err := h.store.SaveKeywordMap(r.Context(), m); err != nil {
		h.log.Error().Err(err).Msg("Failed to save keyword map")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to save keywords")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"owner":    m.Owner,
		"category": m.Category,
		"keywords": m.Keywords,
	})
}

// ReceiptService accepts receipt uploads.
type ReceiptService interface {
	Submit(ctx context.Context, owner string, image []byte, mimeType string) (*domain.Receipt, string, error)
	ReprocessUnlinked(ctx context.Context) (int, error)
}

// ReceiptsHandler handles receipt uploads.
type ReceiptsHandler struct {
	service ReceiptService
	log     zerolog.Logger
}

// NewReceiptsHandler creates a new receipts handler.
func NewReceiptsHandler(service ReceiptService, log zerolog.Logger) *ReceiptsHandler {
	return &ReceiptsHandler{service: service, log: log}
}

// UploadReceipt handles POST /api/receipts?owner=. The body is the raw image.
func (h *ReceiptsHandler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		middleware.WriteError(w, http.StatusBadRequest, "owner is required")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		middleware.WriteError(w, http.StatusUnsupportedMediaType, "Receipt must be an image")
		return
	}

	image, err := io.ReadAll(io.LimitReader(r.Body, MaxReceiptBytes+1))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	if len(image) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Empty receipt")
		return
	}
	if len(image) > MaxReceiptBytes {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Receipt exceeds %d bytes", MaxReceiptBytes))
		return
	}

	receipt, jobID, err := h.service.Submit(r.Context(), owner, image, contentType)
	if err != nil {
		h.log.Error().Err(err).Str("owner", owner).Msg("Failed to submit receipt")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to submit receipt")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"receipt_id": receipt.ID,
		"image_uri":  receipt.ImageURI,
		"job_id":     jobID,
	})
}

// ReprocessReceipts handles POST /api/receipts/reprocess
func (h *ReceiptsHandler) ReprocessReceipts(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ReprocessUnlinked(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to reprocess receipts")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to reprocess receipts")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]int{"count": n})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if !errors.Is(err, jobs.ErrJobNotFound) {
			h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		}
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Type:   jobs.JobType(query.Get("type")),
		Owner:  query.Get("owner"),
		Status: jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
