package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/payment"
	"posterstore.dev/internal/purchase"
)

const (
	signatureHeader = "Stripe-Signature"

	maxCheckoutItems    = 50
	maxCheckoutQuantity = 100
)

type postersResponse struct {
	Posters []catalog.Poster `json:"posters"`
}

func (a *API) ListPosters(w http.ResponseWriter, r *http.Request) {
	posters, err := a.deps.Catalog.List(r.Context())
	if err != nil {
		internalError(w, r, "list posters", err)
		return
	}
	writeJSON(w, http.StatusOK, postersResponse{Posters: nonNilPosters(posters)})
}

func (a *API) SearchPosters(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, postersResponse{Posters: []catalog.Poster{}})
		return
	}
	posters, err := a.deps.Catalog.Search(r.Context(), q)
	if err != nil {
		internalError(w, r, "search posters", err)
		return
	}
	writeJSON(w, http.StatusOK, postersResponse{Posters: nonNilPosters(posters)})
}

func (a *API) GetPoster(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Catalog.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "poster not found")
			return
		}
		internalError(w, r, "get poster", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type checkoutItem struct {
	PosterID string `json:"posterId"`
	Quantity int    `json:"quantity"`
}

// checkoutRequest accepts a cart or the legacy single poster form.
type checkoutRequest struct {
	Items    []checkoutItem `json:"items"`
	PosterID string         `json:"posterId"`
}

func (req checkoutRequest) normalize() ([]checkoutItem, error) {
	if len(req.Items) == 0 {
		id := strings.TrimSpace(req.PosterID)
		if id == "" {
			return nil, errors.New("posterId or items are required")
		}
		return []checkoutItem{{PosterID: id, Quantity: 1}}, nil
	}
	if len(req.Items) > maxCheckoutItems {
		return nil, errors.New("too many items")
	}
	items := make([]checkoutItem, 0, len(req.Items))
	for _, it := range req.Items {
		it.PosterID = strings.TrimSpace(it.PosterID)
		if it.PosterID == "" {
			return nil, errors.New("items[].posterId is required")
		}
		if it.Quantity < 1 || it.Quantity > maxCheckoutQuantity {
			return nil, errors.New("items[].quantity must be between 1 and 100")
		}
		items = append(items, it)
	}
	return items, nil
}

func (a *API) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	items, err := req.normalize()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	lines := make([]payment.CheckoutLine, 0, len(items))
	for _, it := range items {
		p, err := a.deps.Catalog.FindByID(r.Context(), it.PosterID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "poster not found: "+it.PosterID)
				return
			}
			internalError(w, r, "checkout poster lookup", err)
			return
		}
		lines = append(lines, payment.CheckoutLine{
			PosterID:    p.ID,
			Title:       p.Title,
			Description: p.Description,
			ImageURL:    p.ImageURL,
			UnitAmount:  p.Price,
			Quantity:    it.Quantity,
		})
	}

	successURL := a.opts.PublicBaseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"
	cancelURL := a.opts.PublicBaseURL + "/checkout/cancel"
	co, err := a.deps.Checkouts.CreateCheckout(r.Context(), lines, successURL, cancelURL)
	if err != nil {
		obs.Error("checkout session failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err,
		})
		if errors.Is(err, purchase.ErrUpstreamTimeout) {
			writeError(w, r, http.StatusGatewayTimeout, "payment gateway timeout")
			return
		}
		writeError(w, r, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, co)
}

// Webhook receives payment gateway deliveries. A non-2xx answer makes the
// gateway redeliver, so only retryable failures are reported as 5xx.
func (a *API) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		bodyError(w, r, err)
		return
	}
	sig := r.Header.Get(signatureHeader)
	if strings.TrimSpace(sig) == "" {
		writeError(w, r, http.StatusBadRequest, "missing signature")
		return
	}

	evt, handled, err := a.deps.Webhooks.Parse(r.Context(), payload, sig)
	if err != nil {
		handleWorkflowError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	if handled {
		if err := a.deps.Fulfiller.ProcessPaymentCompleted(r.Context(), evt); err != nil {
			handleWorkflowError(w, r, err, http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
	PosterTitle string `json:"posterTitle"`
	ExpiresIn   int    `json:"expiresIn"`
}

func (a *API) Download(w http.ResponseWriter, r *http.Request) {
	grant, err := a.deps.Fulfiller.AuthorizeDownload(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleWorkflowError(w, r, err, http.StatusGatewayTimeout)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, downloadResponse{
		DownloadURL: grant.URL,
		PosterTitle: grant.PosterTitle,
		ExpiresIn:   int(grant.ExpiresIn.Seconds()),
	})
}

type sessionPurchase struct {
	ID            string `json:"id"`
	PosterID      string `json:"posterId"`
	PosterTitle   string `json:"posterTitle"`
	Quantity      int    `json:"quantity"`
	DownloadToken string `json:"downloadToken"`
	DownloadPath  string `json:"downloadPath"`
}

// SessionPurchases backs the checkout success page. An empty list means the
// webhook has not been processed yet.
func (a *API) SessionPurchases(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	entries, err := a.deps.Ledger.EntriesBySession(r.Context(), sessionID)
	if err != nil {
		internalError(w, r, "session purchases", err)
		return
	}
	titles := make(map[string]string)
	out := make([]sessionPurchase, 0, len(entries))
	for _, e := range entries {
		title, ok := titles[e.PosterID]
		if !ok {
			if p, err := a.deps.Catalog.FindByID(r.Context(), e.PosterID); err == nil {
				title = p.Title
			}
			titles[e.PosterID] = title
		}
		out = append(out, sessionPurchase{
			ID:            e.ID,
			PosterID:      e.PosterID,
			PosterTitle:   title,
			Quantity:      e.Quantity,
			DownloadToken: e.DownloadToken,
			DownloadPath:  "/api/download/" + e.DownloadToken,
		})
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"purchases": out,
	})
}

// handleWorkflowError maps purchase workflow errors to responses. Timeouts
// differ per caller: the webhook answers 503 so the gateway retries, the
// download answers 504.
func handleWorkflowError(w http.ResponseWriter, r *http.Request, err error, timeoutStatus int) {
	switch {
	case errors.Is(err, purchase.ErrInvalidEvent):
		writeError(w, r, http.StatusBadRequest, "invalid event")
	case errors.Is(err, purchase.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "invalid download link")
	case errors.Is(err, purchase.ErrStorage):
		logFailure(r, err)
		writeError(w, r, http.StatusBadGateway, "file storage unavailable")
	case errors.Is(err, purchase.ErrUpstreamTimeout):
		logFailure(r, err)
		writeError(w, r, timeoutStatus, "upstream timeout")
	case errors.Is(err, purchase.ErrPersistence):
		logFailure(r, err)
		writeError(w, r, http.StatusInternalServerError, "failed to record purchase")
	default:
		logFailure(r, err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.Error(op+" failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"error":      err,
	})
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func logFailure(r *http.Request, err error) {
	obs.Error("request failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       obs.CanonicalPath(r.URL.Path),
		"error":      err,
	})
}

func nonNilPosters(ps []catalog.Poster) []catalog.Poster {
	if ps == nil {
		return []catalog.Poster{}
	}
	return ps
}
