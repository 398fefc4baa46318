package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ganadoscan/ganadoscan/internal/buildinfo"
	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/middleware"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/websocket"
)

const maxBodyBytes = 1 << 20

// RecordStore is the persistence the API serves. Writes return the journal
// row they appended, or nil when nothing changed.
type RecordStore interface {
	ListTags(ctx context.Context) ([]models.Tag, error)
	ListBatches(ctx context.Context) ([]models.Batch, error)
	UpsertTag(ctx context.Context, t models.Tag) (models.Tag, *models.ChangeEvent, error)
	UpsertBatch(ctx context.Context, b models.Batch) (models.Batch, *models.ChangeEvent, error)
	PatchTag(ctx context.Context, id string, fields models.TagFields) (models.Tag, *models.ChangeEvent, error)
	PatchBatch(ctx context.Context, id string, fields models.BatchFields) (models.Batch, *models.ChangeEvent, error)
	DeleteTag(ctx context.Context, id string) (*models.ChangeEvent, error)
	DeleteBatch(ctx context.Context, id string) (*models.ChangeEvent, error)
	ChangesSince(ctx context.Context, since uint64, limit int) ([]models.ChangeEvent, error)
}

// Options configures the router.
type Options struct {
	Records    RecordStore
	Hub        *websocket.Hub
	Broker     websocket.Broker
	JWTSecret  string
	APIKeyHash string
	TokenTTL   time.Duration
	// Metrics and Gatherer are optional; /metrics is served when Gatherer is set.
	Metrics  *middleware.HTTPMetrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Router wraps the mux router and the record store
type Router struct {
	*mux.Router
	records   RecordStore
	hub       *websocket.Hub
	broker    websocket.Broker
	secret    string
	keyHash   string
	tokenTTL  time.Duration
	authLimit *rate.Limiter
	validate  *validator.Validate
	log       *slog.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(opts Options) *Router {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	if opts.Broker == nil {
		opts.Broker = websocket.NewLocalBroker(opts.Hub)
	}
	r := &Router{
		Router:    mux.NewRouter(),
		records:   opts.Records,
		hub:       opts.Hub,
		broker:    opts.Broker,
		secret:    opts.JWTSecret,
		keyHash:   opts.APIKeyHash,
		tokenTTL:  opts.TokenTTL,
		authLimit: rate.NewLimiter(rate.Limit(5), 10),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       opts.Logger.With("component", "api"),
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Auth routes
	r.HandleFunc("/auth/token", r.issueToken).Methods(http.MethodPost)

	// API routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(opts.JWTSecret))

	api.HandleFunc("/tags", r.listTags).Methods(http.MethodGet)
	api.HandleFunc("/tags/{id}", r.putTag).Methods(http.MethodPut)
	api.HandleFunc("/tags/{id}", r.patchTag).Methods(http.MethodPatch)
	api.HandleFunc("/tags/{id}", r.deleteTag).Methods(http.MethodDelete)

	api.HandleFunc("/batches", r.listBatches).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}", r.putBatch).Methods(http.MethodPut)
	api.HandleFunc("/batches/{id}", r.patchBatch).Methods(http.MethodPatch)
	api.HandleFunc("/batches/{id}", r.deleteBatch).Methods(http.MethodDelete)

	api.HandleFunc("/changes", r.listChanges).Methods(http.MethodGet)
	api.HandleFunc("/feed", r.serveFeed).Methods(http.MethodGet)

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    buildinfo.Version(),
		"started_at": buildinfo.StartTime,
		"feed":       r.hub.ClientCount(),
	})
}

// publish hands a journal row to the feed. Feed delivery is best effort:
// clients that miss it catch up with their next snapshot.
func (r *Router) publish(ctx context.Context, change *models.ChangeEvent) {
	if change == nil {
		return
	}
	if err := r.broker.Publish(ctx, change.FeedMessage()); err != nil {
		r.log.Warn("failed to publish change", "seq", change.Seq, "error", err)
	}
}

// decode reads a JSON body strictly and validates it.
func (r *Router) decode(w http.ResponseWriter, req *http.Request, dst any) error {
	if err := r.decodeRaw(w, req, dst); err != nil {
		return err
	}
	if err := r.validate.Struct(dst); err != nil {
		return errors.ValidationWithDetails("invalid request payload", validationDetails(err))
	}
	return nil
}

// decodeRaw rejects oversized bodies, unknown fields, and trailing data.
func (r *Router) decodeRaw(w http.ResponseWriter, req *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		return errors.Validation("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, errors.CodeValidation, "invalid request payload")
	}
	if dec.More() {
		return errors.Validation("invalid request payload: trailing data")
	}
	return nil
}

func validationDetails(err error) map[string]string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the error envelope every endpoint uses.
type errorResponse struct {
	Error   string      `json:"error"`
	Code    errors.Code `json:"code"`
	Details any         `json:"details,omitempty"`
}

// respondError maps err's code to an HTTP status. Internal failures are
// logged and reported without detail.
func (r *Router) respondError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	body := errorResponse{Error: err.Error(), Code: code}

	var coded *errors.Error
	if errors.As(err, &coded) {
		body.Details = coded.Details
	}
	if code == errors.CodeStore || code == errors.CodeInternal {
		r.log.Error("request failed", "error", err)
		body = errorResponse{Error: "internal error", Code: errors.CodeInternal}
	}
	respondJSON(w, code.HTTPStatus(), body)
}
