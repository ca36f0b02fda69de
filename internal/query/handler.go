package query

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/platform/httpx"
)

// Handler is the public read API.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Mount attaches the read endpoints.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Get("/products/featured", h.featuredProducts)
	r.Get("/products/face-shape/{shape}", h.productsByFaceShape)
	r.Get("/products/{sku}", h.getProduct)
	r.Get("/products/{sku}/audit", h.auditTrail)
	r.Get("/brands", h.listBrands)
	r.Get("/categories", h.categoryTree)
	r.Get("/facets", h.facets)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	filters, page, sorting, err := parseQuery(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	result, err := h.service.GetProducts(r.Context(), filters, page, sorting)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) featuredProducts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	products, err := h.service.GetFeaturedProducts(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": products})
}

func (h *Handler) productsByFaceShape(w http.ResponseWriter, r *http.Request) {
	shape := catalog.FaceShape(chi.URLParam(r, "shape"))
	if !shape.Valid() {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown face shape")
		return
	}
	minScore := 0.0
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "min_score must be between 0 and 1")
			return
		}
		minScore = parsed
	}
	_, page, _, err := parseQuery(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	result, err := h.service.GetProductsByFaceShape(r.Context(), shape, minScore, page)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProduct(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "product not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.GetAuditTrail(r.Context(), chi.URLParam(r, "sku"), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) listBrands(w http.ResponseWriter, r *http.Request) {
	brands, err := h.service.GetBrands(r.Context(), r.URL.Query().Get("all") == "")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"brands": brands})
}

func (h *Handler) categoryTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.service.GetCategoryTree(r.Context(), r.URL.Query().Get("all") == "")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"categories": tree})
}

func (h *Handler) facets(w http.ResponseWriter, r *http.Request) {
	facets, err := h.service.GetFacets(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, facets)
}

func parseQuery(r *http.Request) (catalog.Filters, catalog.PageRequest, catalog.Sort, error) {
	q := r.URL.Query()
	var filters catalog.Filters

	if raw := q.Get("brand_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("brand_id must be an integer")
		}
		filters.BrandID = id
	}
	if raw := q.Get("category_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("category_id must be an integer")
		}
		filters.CategoryID = id
	}
	filters.FrameType = q.Get("frame_type")
	filters.FrameShape = q.Get("frame_shape")
	filters.FrameMaterial = q.Get("frame_material")
	filters.Search = q.Get("q")

	var err error
	if filters.PriceMin, err = floatParam(q.Get("price_min")); err != nil {
		return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("price_min must be a number")
	}
	if filters.PriceMax, err = floatParam(q.Get("price_max")); err != nil {
		return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("price_max must be a number")
	}
	if filters.MinQuality, err = floatParam(q.Get("min_quality")); err != nil {
		return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("min_quality must be a number")
	}
	if filters.InStock, err = boolParam(q.Get("in_stock")); err != nil {
		return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("in_stock must be true or false")
	}
	if filters.Featured, err = boolParam(q.Get("featured")); err != nil {
		return filters, catalog.PageRequest{}, catalog.Sort{}, errors.New("featured must be true or false")
	}

	page := catalog.PageRequest{}
	page.Page, _ = strconv.Atoi(q.Get("page"))
	page.Limit, _ = strconv.Atoi(q.Get("limit"))

	sorting := catalog.Sort{Field: q.Get("sort"), Desc: q.Get("order") != "asc"}
	return filters, page, sorting, nil
}

func floatParam(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func boolParam(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
