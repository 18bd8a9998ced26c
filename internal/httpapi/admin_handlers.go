package httpapi

import (
	"errors"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"posterstore.dev/internal/audit"
	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/purchase"
)

const (
	imagePrefix = "images/"
	filePrefix  = "files/"
)

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Sessions == nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := a.deps.Sessions.FromRequest(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithAdmin(r.Context(), *claims)))
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	admin, err := a.deps.Login.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			_ = audit.LogEvent(r.Context(), audit.AdminLoginFailed, map[string]any{"email": audit.MaskEmail(req.Email)})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrLocked):
			_ = audit.LogEvent(r.Context(), audit.AdminLoginLocked, map[string]any{"email": audit.MaskEmail(req.Email)})
			writeError(w, r, http.StatusTooManyRequests, "too many failed attempts")
		default:
			internalError(w, r, "admin login", err)
		}
		return
	}

	token, expires, err := a.deps.Sessions.Issue(admin)
	if err != nil {
		internalError(w, r, "issue session", err)
		return
	}
	a.deps.Sessions.SetCookie(w, token, expires)
	_ = audit.LogEvent(r.Context(), audit.AdminLogin, map[string]any{
		"admin_id": admin.ID,
		"email":    admin.Email,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "email": admin.Email})
}

func (a *API) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if a.deps.Sessions != nil {
		a.deps.Sessions.ClearCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) AdminSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.AdminFromContext(r.Context())
	resp := map[string]any{
		"id":    claims.Subject,
		"email": claims.Email,
	}
	if claims.ExpiresAt != nil {
		resp["expires_at"] = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}

type ordersResponse struct {
	Orders       []orderView `json:"orders"`
	NextAfter    string      `json:"next_after,omitempty"`
	TotalOrders  int         `json:"total_orders"`
	Revenue      int64       `json:"revenue"`
	RevenueTotal string      `json:"revenue_display"`
}

type orderView struct {
	purchase.Entry
	PosterTitle string `json:"poster_title"`
	Total       int64  `json:"total"`
}

func (a *API) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))

	entries, next, err := a.deps.Ledger.ListEntries(r.Context(), limit, after)
	if err != nil {
		internalError(w, r, "list orders", err)
		return
	}
	sum, err := a.deps.Ledger.Summary(r.Context())
	if err != nil {
		internalError(w, r, "orders summary", err)
		return
	}

	titles := a.posterTitles(r, entries)
	views := make([]orderView, 0, len(entries))
	for _, e := range entries {
		views = append(views, orderView{Entry: e, PosterTitle: titles[e.PosterID], Total: e.Total()})
	}
	writeJSON(w, http.StatusOK, ordersResponse{
		Orders:       views,
		NextAfter:    next,
		TotalOrders:  sum.Orders,
		Revenue:      sum.Revenue,
		RevenueTotal: formatMinor(sum.Revenue),
	})
}

// posterTitles resolves titles for entries; orphaned posters map to "".
func (a *API) posterTitles(r *http.Request, entries []purchase.Entry) map[string]string {
	titles := make(map[string]string)
	for _, e := range entries {
		if _, ok := titles[e.PosterID]; ok {
			continue
		}
		title := ""
		if p, err := a.deps.Catalog.FindByID(r.Context(), e.PosterID); err == nil {
			title = p.Title
		}
		titles[e.PosterID] = title
	}
	return titles
}

func (a *API) CreateProduct(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		bodyError(w, r, err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	title := strings.TrimSpace(r.FormValue("title"))
	price, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("price")), 10, 64)
	image, imageHdr, imageErr := r.FormFile("image")
	file, fileHdr, fileErr := r.FormFile("file")
	if imageErr == nil {
		defer image.Close()
	}
	if fileErr == nil {
		defer file.Close()
	}
	if title == "" || err != nil || price <= 0 || imageErr != nil || fileErr != nil {
		writeError(w, r, http.StatusBadRequest, "title, price, image and file are required")
		return
	}

	id := uuid.NewString()
	imagePath := imagePrefix + id + extension(imageHdr)
	filePath := filePrefix + id + extension(fileHdr)

	imageURL, err := a.deps.Storage.Upload(r.Context(), imagePath, contentType(imageHdr), image)
	if err != nil {
		a.uploadFailed(w, r, imagePath, err)
		return
	}
	if _, err := a.deps.Storage.Upload(r.Context(), filePath, contentType(fileHdr), file); err != nil {
		a.cleanupObject(r, imagePath)
		a.uploadFailed(w, r, filePath, err)
		return
	}

	p, err := a.deps.Catalog.Create(r.Context(), catalog.Poster{
		Title:       title,
		Description: strings.TrimSpace(r.FormValue("description")),
		Price:       price,
		Category:    strings.TrimSpace(r.FormValue("category")),
		ImageURL:    imageURL,
		FileURL:     filePath,
	})
	if err != nil {
		a.cleanupObject(r, imagePath)
		a.cleanupObject(r, filePath)
		if errors.Is(err, catalog.ErrInvalidPoster) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		internalError(w, r, "create poster", err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.PosterCreated, map[string]any{
		"poster_id": p.ID,
		"title":     p.Title,
		"price":     p.Price,
	})
	writeJSON(w, http.StatusCreated, p)
}

type updatePosterRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Price       *int64  `json:"price"`
	Category    *string `json:"category"`
	ImageURL    *string `json:"imageUrl"`
	FileURL     *string `json:"fileUrl"`
}

// UpdateProduct applies the fields present in the body; absent fields keep
// their stored value.
func (a *API) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req updatePosterRequest
	if err := decodeJSON(r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	p, err := a.deps.Catalog.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.posterError(w, r, "update poster", err)
		return
	}
	if req.Title != nil {
		p.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}
	if req.Price != nil {
		p.Price = *req.Price
	}
	if req.Category != nil {
		p.Category = strings.TrimSpace(*req.Category)
	}
	if req.ImageURL != nil {
		p.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.FileURL != nil {
		p.FileURL = strings.TrimSpace(*req.FileURL)
	}
	updated, err := a.deps.Catalog.Update(r.Context(), p)
	if err != nil {
		a.posterError(w, r, "update poster", err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.PosterUpdated, map[string]any{"poster_id": updated.ID})
	writeJSON(w, http.StatusOK, updated)
}

// DeleteProduct removes the stored file best-effort, then the poster.
// Ledger entries for the poster stay; their downloads answer 404.
func (a *API) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Catalog.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.posterError(w, r, "delete poster", err)
		return
	}
	a.cleanupObject(r, p.FileURL)
	if err := a.deps.Catalog.Delete(r.Context(), p.ID); err != nil {
		a.posterError(w, r, "delete poster", err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.PosterDeleted, map[string]any{
		"poster_id": p.ID,
		"title":     p.Title,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) posterError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "product not found")
	case errors.Is(err, catalog.ErrInvalidPoster):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		internalError(w, r, op, err)
	}
}

func (a *API) uploadFailed(w http.ResponseWriter, r *http.Request, objectPath string, err error) {
	obs.Error("upload failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       objectPath,
		"error":      err,
	})
	writeError(w, r, http.StatusBadGateway, "file storage unavailable")
}

func (a *API) cleanupObject(r *http.Request, objectPath string) {
	if objectPath == "" {
		return
	}
	if err := a.deps.Storage.Delete(r.Context(), objectPath); err != nil {
		obs.Warn("object delete failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       objectPath,
			"error":      err,
		})
	}
}

func extension(h *multipart.FileHeader) string {
	ext := strings.ToLower(path.Ext(h.Filename))
	if len(ext) < 2 || len(ext) > 8 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}

func contentType(h *multipart.FileHeader) string {
	if ct := h.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
