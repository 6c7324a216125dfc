// Package server exposes commission sessions over HTTP. Each session owns one
// saga; payments and deployments run in the background and are observed by
// polling the session.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/winksdotfun/endgame/ledger"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/saga"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

const DefaultRunTimeout = 5 * time.Minute

// Handler serves the commission API.
type Handler struct {
	sessions       *SessionStore
	suggester      *utils.Suggester
	runTimeout     time.Duration
	logger         logger.Logger
	metricsHandler http.Handler
	ledger         PaymentLedger

	runs sync.WaitGroup
}

// PaymentLedger is the read side of the commission ledger.
type PaymentLedger interface {
	Get(ctx context.Context, id string) (ledger.Entry, error)
	History(ctx context.Context, id string) ([]saga.Transition, error)
	Undelivered(ctx context.Context) ([]ledger.Entry, error)
}

var _ PaymentLedger = (*ledger.Store)(nil)

type Option func(*Handler)

func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithRunTimeout bounds a background Execute or Retry.
func WithRunTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.runTimeout = d
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(mh http.Handler) Option {
	return func(h *Handler) {
		h.metricsHandler = mh
	}
}

// WithLedger enables the /payments endpoints.
func WithLedger(l PaymentLedger) Option {
	return func(h *Handler) {
		h.ledger = l
	}
}

func WithSuggester(sg *utils.Suggester) Option {
	return func(h *Handler) {
		if sg != nil {
			h.suggester = sg
		}
	}
}

// New returns a Handler over sessions.
//
// It panics if sessions is nil.
func New(sessions *SessionStore, opts ...Option) *Handler {
	if sessions == nil {
		panic("server.New: nil session store")
	}
	h := &Handler{
		sessions:   sessions,
		suggester:  utils.NewSuggester(nil, utils.DefaultSuggestionCount),
		runTimeout: DefaultRunTimeout,
		logger:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /commissions", h.handleCreate)
	mux.HandleFunc("GET /commissions/{id}", h.handleGet)
	mux.HandleFunc("POST /commissions/{id}/suffix", h.handleSuffix)
	mux.HandleFunc("POST /commissions/{id}/details", h.handleDetails)
	mux.HandleFunc("POST /commissions/{id}/execute", h.handleExecute)
	mux.HandleFunc("POST /commissions/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /commissions/{id}/reset", h.handleReset)
	mux.HandleFunc("GET /suggestions", h.handleSuggestions)
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.metricsHandler != nil {
		mux.Handle("GET /metrics", h.metricsHandler)
	}
	if h.ledger != nil {
		mux.HandleFunc("GET /payments/undelivered", h.handleUndelivered)
		mux.HandleFunc("GET /payments/{commission}", h.handlePayment)
	}
	return mux
}

// Wait blocks until background runs finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type submitRequest struct {
	Kind   string `json:"kind" validate:"required"`
	Suffix string `json:"suffix"`
}

type detailsRequest struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

type commissionResponse struct {
	Session     string         `json:"session"`
	FeeETH      string         `json:"feeEth"`
	Commission  types.Snapshot `json:"commission"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Error       *errorPayload  `json:"error,omitempty"`
}

type errorResponse struct {
	Error *errorPayload `json:"error"`
}

type suggestionsResponse struct {
	Suffix      string   `json:"suffix"`
	Valid       bool     `json:"valid"`
	Suggestions []string `json:"suggestions"`
}

type undeliveredResponse struct {
	Payments []ledger.Entry `json:"payments"`
}

type transitionView struct {
	From    types.State    `json:"from"`
	To      types.State    `json:"to"`
	TxHash  string         `json:"txHash,omitempty"`
	Failure *types.Failure `json:"failure,omitempty"`
	At      time.Time      `json:"at"`
}

type paymentResponse struct {
	Payment ledger.Entry     `json:"payment"`
	History []transitionView `json:"history"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// handleCreate opens a session and submits the first suffix. An invalid
// suffix still creates the session; the failed commission and suggestions
// are returned so the caller can resubmit.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	id, sg := h.sessions.Create()
	snap, err := sg.Submit(types.Kind(req.Kind), req.Suffix)
	h.writeSubmit(w, http.StatusCreated, id, sg, req.Suffix, snap, err)
}

func (h *Handler) handleSuffix(w http.ResponseWriter, r *http.Request) {
	id, sg, ok := h.session(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	snap, err := sg.Submit(types.Kind(req.Kind), req.Suffix)
	h.writeSubmit(w, http.StatusOK, id, sg, req.Suffix, snap, err)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, sg, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeCommission(w, http.StatusOK, id, sg, sg.Snapshot(), nil)
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	id, sg, ok := h.session(w, r)
	if !ok {
		return
	}
	var req detailsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	snap, err := sg.SubmitDetails(req.Name, req.Symbol)
	h.writeCommission(w, http.StatusOK, id, sg, snap, err)
}

// handleExecute starts the payment and returns immediately. The run is
// detached from the request so a closed connection never abandons a
// submitted payment.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, (*saga.Saga).Start)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, (*saga.Saga).StartRetry)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	id, sg, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sg.Reset()
	h.writeCommission(w, http.StatusOK, id, sg, snap, err)
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suffix := r.URL.Query().Get("suffix")
	resp := suggestionsResponse{
		Suffix:      suffix,
		Valid:       utils.IsValidSuffix(suffix),
		Suggestions: h.suggester.For(suffix),
	}
	if resp.Suggestions == nil {
		resp.Suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: h.sessions.Len()})
}

func (h *Handler) handleUndelivered(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Undelivered(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, undeliveredResponse{Payments: entries})
}

// handlePayment returns the ledger entry and transition history of one
// commission, looked up by commission id rather than session.
func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("commission")
	entry, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	history, err := h.ledger.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := paymentResponse{Payment: entry, History: make([]transitionView, 0, len(history))}
	for _, t := range history {
		resp.History = append(resp.History, transitionView{
			From:    t.From,
			To:      t.To,
			TxHash:  t.TxHash,
			Failure: t.Failure,
			At:      t.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, run func(*saga.Saga, context.Context) (<-chan error, error)) {
	id, sg, ok := h.session(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.runTimeout)
	done, err := run(sg, ctx)
	if err != nil {
		cancel()
		h.writeCommission(w, http.StatusOK, id, sg, sg.Snapshot(), err)
		return
	}

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		defer cancel()

		fields := map[string]any{"session": id}
		if err := <-done; err != nil {
			fields["kind"] = errorKind(err)
			fields["error"] = err.Error()
			h.logger.Warn("commission run failed", fields)
			return
		}
		h.logger.Info("commission run finished", fields)
	}()

	h.writeCommission(w, http.StatusAccepted, id, sg, sg.Snapshot(), nil)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (string, *saga.Saga, bool) {
	id := r.PathValue("id")
	sg, ok := h.sessions.Get(id)
	if !ok {
		h.writeError(w, errSessionNotFound)
		return "", nil, false
	}
	return id, sg, true
}

func (h *Handler) writeSubmit(w http.ResponseWriter, status int, id string, sg *saga.Saga, suffix string, snap types.Snapshot, err error) {
	if !types.IsKind(err, types.ErrValidation) {
		h.writeCommission(w, status, id, sg, snap, err)
		return
	}
	writeJSON(w, status, commissionResponse{
		Session:     id,
		FeeETH:      utils.FormatEther(sg.Fee()),
		Commission:  snap,
		Suggestions: sg.Suggestions(suffix),
		Error:       newErrorPayload(err),
	})
}

func (h *Handler) writeCommission(w http.ResponseWriter, status int, id string, sg *saga.Saga, snap types.Snapshot, err error) {
	if err != nil {
		status = httpStatus(err)
	}
	writeJSON(w, status, commissionResponse{
		Session:    id,
		FeeETH:     utils.FormatEther(sg.Fee()),
		Commission: snap,
		Error:      newErrorPayload(err),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", map[string]any{"error": err.Error()})
	}
	writeJSON(w, status, errorResponse{Error: newErrorPayload(err)})
}

// decode reads a JSON body into v and validates its struct tags.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := utils.ParseJSON(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// writeJSON writes v as a JSON response with the given status code.
// The Content-Type is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
