package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/scancore/crawler/internal/config"
	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/utils"
	"github.com/gin-gonic/gin"
)

// BulkScanReader is the read-side slice of persistence.Provider the admin
// API needs: listing bulk scans and paging through one bulk scan's results.
type BulkScanReader interface {
	GetBulkScan(ctx context.Context, id string) (scan.BulkScan, error)
	ListBulkScans(ctx context.Context, limit int, afterCreatedAt time.Time, afterID string) ([]scan.BulkScan, *string, bool, error)
	ListScanResults(ctx context.Context, bulkScanID string, status *scan.JobStatus, limit int, afterTimestamp time.Time, afterID string) ([]scan.ScanResult, *string, bool, error)
}

type BulkScansHandler struct {
	store BulkScanReader
}

func NewBulkScansHandler(store BulkScanReader) *BulkScansHandler {
	return &BulkScansHandler{store: store}
}

// GET /bulk-scans?limit=50&cursor=...
func (h *BulkScansHandler) List(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "invalid_query", "limit must be between 1 and 200")
		return
	}

	var afterCreatedAt time.Time
	var afterID string

	if raw := ctx.Query("cursor"); raw != "" {
		c, err := utils.DecodeBulkScanCursor(raw)
		if err != nil {
			RespondBadRequest(ctx, "invalid_query", "invalid cursor")
			return
		}
		afterCreatedAt = c.CreatedAt
		afterID = c.ID
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, nextCursor, hasMore, err := h.store.ListBulkScans(cctx, limit, afterCreatedAt, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list bulk scans")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// GET /bulk-scans/:id
func (h *BulkScansHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	bs, err := h.store.GetBulkScan(cctx, id)
	if err != nil {
		if err == scan.ErrBulkScanNotFound {
			RespondNotFound(ctx, "Bulk scan not found")
			return
		}
		RespondInternal(ctx, "Could not fetch bulk scan")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, bs)
}

// GET /bulk-scans/:id/results?status=ERROR&limit=50&cursor=...
func (h *BulkScansHandler) ListResults(ctx *gin.Context) {
	id := ctx.Param("id")

	limit := parseInt(ctx.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "invalid_query", "limit must be between 1 and 200")
		return
	}

	var statusPointer *scan.JobStatus
	if s := ctx.Query("status"); s != "" {
		st := scan.JobStatus(s)
		statusPointer = &st
	}

	var afterTimestamp time.Time
	var afterID string

	if raw := ctx.Query("cursor"); raw != "" {
		c, err := utils.DecodeScanResultCursor(raw)
		if err != nil {
			RespondBadRequest(ctx, "invalid_query", "invalid cursor")
			return
		}
		afterTimestamp = c.Timestamp
		afterID = c.ID
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, nextCursor, hasMore, err := h.store.ListScanResults(cctx, id, statusPointer, limit, afterTimestamp, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list scan results")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}
