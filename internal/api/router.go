// Package api exposes the trigger and polling endpoints over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/alertledger/internal/api/handlers"
	"github.com/dvloznov/alertledger/internal/api/middleware"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

// Services are what the handlers call into. Receipts may be nil, in which
// case the receipt endpoints are not registered.
type Services struct {
	Store     store.Store
	Publisher jobs.Publisher
	Jobs      jobs.JobStore
	Corrector handlers.Corrector
	Receipts  handlers.ReceiptService
}

// NewRouter registers every endpoint and wraps the mux in the middleware chain.
func NewRouter(s Services, log zerolog.Logger) http.Handler {
	messages := handlers.NewMessagesHandler(s.Store, s.Publisher, log)
	categorization := handlers.NewCategorizationHandler(s.Publisher, log)
	transactions := handlers.NewTransactionsHandler(s.Store, s.Corrector, log)
	categories := handlers.NewCategoriesHandler(s.Store, log)
	jobsHandler := handlers.NewJobsHandler(s.Jobs, log)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sync", messages.SyncMailbox)
	mux.HandleFunc("POST /api/messages/reprocess", messages.Reprocess)
	mux.HandleFunc("GET /api/messages/review", messages.ListManualReview)

	mux.HandleFunc("POST /api/categorize", categorization.Categorize)
	mux.HandleFunc("POST /api/categorize/unknown", categorization.ReprocessUnknown)

	mux.HandleFunc("GET /api/transactions", transactions.ListTransactions)
	mux.HandleFunc("GET /api/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		transactions.GetTransaction(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("PUT /api/transactions/{id}/category", func(w http.ResponseWriter, r *http.Request) {
		transactions.CorrectCategory(w, r, r.PathValue("id"))
	})

	mux.HandleFunc("GET /api/categories", categories.ListCategories)
	mux.HandleFunc("PUT /api/keywords", categories.SaveKeywords)

	if s.Receipts != nil {
		receipts := handlers.NewReceiptsHandler(s.Receipts, log)
		mux.HandleFunc("POST /api/receipts", receipts.UploadReceipt)
		mux.HandleFunc("POST /api/receipts/reprocess", receipts.ReprocessReceipts)
	}

	mux.HandleFunc("GET /api/jobs", jobsHandler.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		jobsHandler.GetJob(w, r, r.PathValue("id"))
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logger(log),
		middleware.Recovery,
		middleware.CORS,
	)
}
