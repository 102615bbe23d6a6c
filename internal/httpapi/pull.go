package httpapi

import (
	"net/http"

	"github.com/erauner12/stockbridge/internal/auth"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/erauner12/stockbridge/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PullProducts handles GET /v1/sync/products/pull?cursor=&limit=
// Pages the tenant's products in (revision time, id) order.
func (s *Server) PullProducts(w http.ResponseWriter, r *http.Request) {
	ctx := withTenantLogger(r)
	logger := log.Ctx(ctx)

	cursor := syncx.Cursor{}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, ok := syncx.DecodeCursor(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = c
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 200, 1000)

	products, err := s.Store.ProductsChangedSince(ctx, auth.TenantID(ctx), cursor, limit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to pull products")
		writeError(w, r, http.StatusInternalServerError, "storage temporarily unavailable")
		return
	}

	resp := syncproto.ProductPullResponse{
		Upserts: make([]syncproto.ProductState, 0, len(products)),
		Deletes: make([]syncproto.ProductTombstone, 0),
	}
	for i := range products {
		p := &products[i]
		if p.Deleted() {
			resp.Deletes = append(resp.Deletes, syncproto.ProductTombstone{
				ID:        p.ID,
				DeletedAt: *p.DeletedAt,
			})
			continue
		}
		resp.Upserts = append(resp.Upserts, syncproto.NewProductState(p))
	}

	if n := len(products); n > 0 {
		last := products[n-1]
		id, err := uuid.Parse(last.ID)
		if err == nil {
			next := syncx.Cursor{Ms: last.RevisedAt.UnixMilli(), ID: id}.Encode()
			resp.NextCursor = &next
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
