package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/fulfillment"
	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/payment"
	"posterstore.dev/internal/purchase"
	"posterstore.dev/internal/storage"
	"posterstore.dev/internal/stream"
)

const (
	// ServiceName is reported by /v1/info and registered with gRPC health.
	ServiceName = "posterstore-api"

	defaultMaxBodyBytes = 1 << 20
	// Product uploads carry the preview image and the full-size file.
	uploadMaxBytes = 64 << 20
)

// ReadyProbe checks the database, when there is one.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Fulfiller runs the purchase workflows.
type Fulfiller interface {
	ProcessPaymentCompleted(ctx context.Context, evt payment.Event) error
	AuthorizeDownload(ctx context.Context, token string) (fulfillment.Grant, error)
}

// CheckoutCreator opens hosted checkout sessions.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, lines []payment.CheckoutLine, successURL, cancelURL string) (payment.Checkout, error)
}

// EventParser verifies and decodes webhook deliveries.
type EventParser interface {
	Parse(ctx context.Context, payload []byte, signature string) (payment.Event, bool, error)
}

// AdminLogin checks admin credentials.
type AdminLogin interface {
	Login(ctx context.Context, email, password string) (auth.Admin, error)
}

// Deps are the collaborators behind the HTTP surface. Files is optional and
// served under /files/ (local object storage).
type Deps struct {
	Catalog   catalog.Store
	Ledger    purchase.Ledger
	Fulfiller Fulfiller
	Checkouts CheckoutCreator
	Webhooks  EventParser
	Storage   storage.Store
	Sessions  *auth.Sessions
	Login     AdminLogin
	Stream    *stream.Stream
	Files     http.Handler
}

type Options struct {
	Version        string
	PublicBaseURL  string
	AllowedOrigins []string
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSec     float64
}

// API is the HTTP layer.
type API struct {
	deps       Deps
	readyProbe ReadyProbe
	opts       Options
	limiter    *RateLimiter
	router     chi.Router
}

func New(rp ReadyProbe, deps Deps, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	a := &API{
		deps:       deps,
		readyProbe: rp,
		opts:       opts,
		limiter:    NewRateLimiter(opts.RateBurst, opts.RatePerSec),
	}
	a.router = a.routes()
	return a
}

// requestStack runs on every route, outermost first. LoggingJSON sits outside
// Recover so panics still produce a request_complete line.
func (a *API) requestStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{RequestID, LoggingJSON, Recover, SecurityHeaders, a.cors}
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requestStack()...)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	if a.deps.Files != nil {
		r.Handle("/files/*", a.deps.Files)
	}

	r.Route("/api", func(r chi.Router) {
		// The gateway retries on its own schedule and is not rate limited.
		r.With(a.bodyLimit(a.opts.MaxBodyBytes)).Post("/webhook", a.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(a.limiter.Handler, a.bodyLimit(a.opts.MaxBodyBytes))
			r.Get("/posters", a.ListPosters)
			r.Get("/posters/search", a.SearchPosters)
			r.Get("/posters/{id}", a.GetPoster)
			r.Post("/checkout", a.CreateCheckout)
			r.Get("/checkout/sessions/{id}/purchases", a.SessionPurchases)
			r.Get("/download/{token}", a.Download)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(a.limiter.Handler, a.bodyLimit(a.opts.MaxBodyBytes))
				r.Post("/login", a.AdminLogin)
				r.Post("/logout", a.AdminLogout)
			})
			r.Group(func(r chi.Router) {
				r.Use(a.requireAdmin)
				r.Get("/session", a.AdminSession)
				r.Get("/orders", a.ListOrders)
				r.Get("/orders/export.xlsx", a.ExportOrders)
				r.Get("/orders/stream", a.OrderStream)
				r.With(a.bodyLimit(uploadMaxBytes)).Post("/products", a.CreateProduct)
				r.With(a.bodyLimit(a.opts.MaxBodyBytes)).Put("/products/{id}", a.UpdateProduct)
				r.Delete("/products/{id}", a.DeleteProduct)
			})
		})
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) cors(next http.Handler) http.Handler {
	return CORS(next, a.opts.AllowedOrigins)
}

func (a *API) bodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return MaxBodyBytes(next, max)
	}
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": ServiceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bodyError maps a body read failure to 413 or 400.
func bodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}
