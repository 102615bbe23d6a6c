package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/erauner12/stockbridge/internal/auth"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/erauner12/stockbridge/internal/syncx"
	"github.com/rs/zerolog/log"
)

// maxSyncBody bounds the request body of POST /v1/sync
const maxSyncBody = 8 << 20

// HeaderIdempotencyKey must equal the operation id of a single-operation batch
const HeaderIdempotencyKey = "Idempotency-Key"

// PostSync handles POST /v1/sync
// Operation failures are reported per operation inside a 200 response; only
// malformed batches (400) and an unavailable store (500) change the status.
func (s *Server) PostSync(w http.ResponseWriter, r *http.Request) {
	ctx := withTenantLogger(r)
	logger := log.Ctx(ctx)
	tenantID := auth.TenantID(ctx)
	userID := auth.UserID(ctx)

	var req syncproto.SyncRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSyncBody))
	if err := dec.Decode(&req); err != nil {
		logger.Warn().Err(err).Msg("invalid sync request body")
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.validateBatch(r, req); err != nil {
		logger.Warn().Err(err).Int("operations", len(req.Operations)).Msg("rejected sync batch")
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.Processor.Process(ctx, tenantID, userID, req)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			logger.Error().Err(err).Msg("sync batch aborted: store unavailable")
			writeError(w, r, http.StatusInternalServerError, "storage temporarily unavailable")
			return
		}
		logger.Error().Err(err).Msg("sync batch failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	logger.Info().
		Int("operations", len(req.Operations)).
		Str("checkpoint", resp.Checkpoint).
		Msg("sync batch processed")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) validateBatch(r *http.Request, req syncproto.SyncRequest) error {
	n := len(req.Operations)
	if n == 0 {
		return errors.New("operations must not be empty")
	}
	if n > s.maxBatchSize() {
		return fmt.Errorf("batch of %d operations exceeds the limit of %d", n, s.maxBatchSize())
	}
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" && n == 1 && key != req.Operations[0].OperationID {
		return errors.New("idempotency key header does not match the operation id")
	}
	if req.Checkpoint != nil && *req.Checkpoint != "" {
		if _, ok := syncx.ParseTime(*req.Checkpoint); !ok {
			return fmt.Errorf("invalid checkpoint %q", *req.Checkpoint)
		}
	}
	for i, op := range req.Operations {
		if op.OperationID == "" {
			return fmt.Errorf("operation %d has no operationId", i)
		}
	}
	return nil
}
