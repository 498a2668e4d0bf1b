package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/scancore/crawler/internal/config"
	"github.com/scancore/crawler/internal/domain/job"
	"github.com/scancore/crawler/internal/http/middlewares"
	"github.com/scancore/crawler/internal/jobs"
	"github.com/scancore/crawler/internal/repo/postgres"
	"github.com/jackc/pgx/v5"

	"github.com/gin-gonic/gin"
)

type JobsCreator interface {
	Create(ctx context.Context, req job.CreateRequest) (job.Job, error)
	CreateTx(ctx context.Context, tx pgx.Tx, req job.CreateRequest) (job.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (job.Job, error)
}

type JobsHandler struct {
	jobs JobsCreator
}

func NewJobsHandler(jobsRepo JobsCreator) *JobsHandler {
	return &JobsHandler{jobs: jobsRepo}
}

type triggerBulkScanRequest struct {
	Name                string `json:"name" binding:"required"`
	TargetListPath      string `json:"targetListPath"`
	ResultCollection    string `json:"resultCollection"`
	TimeoutMillis       int64  `json:"timeoutMillis"`
	Reexecutions        int    `json:"reexecutions"`
	ParallelScanThreads int    `json:"parallelScanThreads"`
}

// POST /bulk-scans
//
// Enqueues an ad-hoc bulk scan trigger on the control-plane job queue,
// idempotent per request so a retried submission never starts the same
// run twice.
func (h *JobsHandler) TriggerBulkScan(ctx *gin.Context) {
	var req triggerBulkScanRequest

	if !BindJSON(ctx, &req) {
		return
	}

	userID, ok := middlewares.UserIDFromContext(ctx)
	if !ok || userID == "" {
		RespondUnAuthorized(ctx, "unauthorized", "Missing identity")
		return
	}

	requestID := requestIDFrom(ctx)

	payload := jobs.TriggerBulkScanPayload{
		Name:                req.Name,
		TargetListPath:      req.TargetListPath,
		ResultCollection:    req.ResultCollection,
		TimeoutMillis:       req.TimeoutMillis,
		Reexecutions:        req.Reexecutions,
		ParallelScanThreads: req.ParallelScanThreads,
		RequestedBy:         userID,
		RequestID:           requestID,
	}

	if err := payload.Validate(); err != nil {
		RespondBadRequest(ctx, "invalid_request", "name is required")
		return
	}

	raw, err := payload.ToJSONRaw()
	if err != nil {
		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	key := "trigger:bulkscan:" + req.Name + ":" + requestID

	j, err := h.jobs.Create(cctx, job.CreateRequest{
		Type:           jobs.TypeTriggerBulkScan,
		Payload:        json.RawMessage(raw),
		RunAt:          time.Now().UTC(),
		MaxAttempts:    5,
		IdempotencyKey: &key,
		UserID:         &userID,
	})

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			existing, gerr := h.jobs.GetByIdempotencyKey(cctx, key)
			if gerr != nil {
				RespondInternal(ctx, "Could not enqueue job")
				return
			}

			ctx.JSON(http.StatusAccepted, gin.H{
				"jobId":           existing.ID,
				"status":          existing.Status,
				"type":            existing.Type,
				"alreadyEnqueued": true,
			})
			ctx.Set(middlewares.CtxJobID, existing.ID)
			return
		}

		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"jobId":  j.ID,
		"status": j.Status,
		"type":   j.Type,
	})
	ctx.Set(middlewares.CtxJobID, j.ID)
	slog.Default().InfoContext(cctx, "job.enqueue",
		"request_id", requestID,
		"job_id", j.ID,
		"job_type", j.Type,
		"already_enqueued", false,
	)
}

// POST /bulk-scans/:id/reprocess-dead
//
// Enqueues a re-publish of every ERROR/INTERNAL_ERROR job belonging to
// the named bulk scan.
func (h *JobsHandler) ReprocessDeadScanJobs(ctx *gin.Context) {
	bulkScanID := ctx.Param("id")
	if bulkScanID == "" {
		RespondBadRequest(ctx, "invalid_request", "missing bulk scan id")
		return
	}

	userID, ok := middlewares.UserIDFromContext(ctx)
	if !ok || userID == "" {
		RespondUnAuthorized(ctx, "unauthorized", "Missing identity")
		return
	}

	requestID := requestIDFrom(ctx)

	payload := jobs.ReprocessDeadScanJobsPayload{
		BulkScanID:  bulkScanID,
		RequestedBy: userID,
		RequestID:   requestID,
	}

	raw, err := payload.ToJSONRaw()
	if err != nil {
		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	key := "reprocess:bulkscan:" + bulkScanID + ":" + requestID

	j, err := h.jobs.Create(cctx, job.CreateRequest{
		Type:           jobs.TypeReprocessDeadScanJobs,
		Payload:        json.RawMessage(raw),
		RunAt:          time.Now().UTC(),
		MaxAttempts:    5,
		IdempotencyKey: &key,
		UserID:         &userID,
	})

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			existing, gerr := h.jobs.GetByIdempotencyKey(cctx, key)
			if gerr != nil {
				RespondInternal(ctx, "Could not enqueue job")
				return
			}

			ctx.JSON(http.StatusAccepted, gin.H{
				"jobId":           existing.ID,
				"status":          existing.Status,
				"type":            existing.Type,
				"alreadyEnqueued": true,
			})
			return
		}

		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"jobId":  j.ID,
		"status": j.Status,
		"type":   j.Type,
	})
	slog.Default().InfoContext(cctx, "job.enqueue",
		"request_id", requestID,
		"job_id", j.ID,
		"job_type", j.Type,
		"already_enqueued", false,
	)
}
