package failures

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"custodychain/api/handlers/common"
	"custodychain/internal/deadletter"
	"custodychain/pkg/types"
)

// Service 死信管理能力
type Service interface {
	List(ctx context.Context, f deadletter.Filter) (*deadletter.Page, error)
	Get(ctx context.Context, id string) (*deadletter.FailedDeliveryRecord, error)
	ManualRetry(ctx context.Context, id string) (*deadletter.OperationResult, error)
	ScheduleRetry(ctx context.Context, id string) (*deadletter.FailedDeliveryRecord, error)
	MarkReviewed(ctx context.Context, id, notes string) (*deadletter.FailedDeliveryRecord, error)
	Statistics(ctx context.Context) (*deadletter.Stats, error)
}

// Handler 死信队列管理 API
type Handler struct {
	service Service
}

// NewHandler 创建处理器
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// ReviewRequest 审阅请求
type ReviewRequest struct {
	Notes string `json:"notes"`
}

// List 分页查询死信记录
// @Summary 查询死信记录
// @Tags DeadLetter
// @Produce json
// @Param priority query string false "优先级"
// @Param category query string false "错误类别"
// @Param reviewed query bool false "是否已审阅"
// @Param entity_id query string false "实体 ID"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} common.ListResponse
// @Router /api/v1/failures [get]
func (h *Handler) List(c *gin.Context) {
	var page types.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	filter := deadletter.Filter{
		Priority:          deadletter.Priority(c.Query("priority")),
		Category:          deadletter.Category(c.Query("category")),
		EntityID:          c.Query("entity_id"),
		PaginationRequest: page,
	}
	if raw := c.Query("reviewed"); raw != "" {
		reviewed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Code: "INVALID_REQUEST", Message: "reviewed 必须为布尔值"})
			return
		}
		filter.Reviewed = &reviewed
	}

	result, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "DLQ_UNAVAILABLE", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.ListResponse{
		Items: result.Items,
		Pagination: common.PaginationMeta{
			Page:      result.Pagination.Page,
			PageSize:  result.Pagination.PageSize,
			Total:     result.Pagination.Total,
			TotalPage: result.Pagination.TotalPages,
		},
	})
}

// Get 查询单条死信记录
// @Summary 查询死信记录详情
// @Tags DeadLetter
// @Produce json
// @Param id path string true "记录 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/v1/failures/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: rec})
}

// Retry 同步重放；投递失败以 200 返回结果
// @Summary 手动重放
// @Tags DeadLetter
// @Produce json
// @Param id path string true "记录 ID"
// @Success 200 {object} deadletter.OperationResult
// @Failure 404 {object} common.ErrorResponse
// @Failure 409 {object} common.ErrorResponse
// @Router /api/v1/failures/{id}/retry [post]
func (h *Handler) Retry(c *gin.Context) {
	result, err := h.service.ManualRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RetryAsync 投递异步重放任务
// @Summary 异步重放
// @Tags DeadLetter
// @Produce json
// @Param id path string true "记录 ID"
// @Success 202 {object} common.APIResponse
// @Failure 503 {object} common.ErrorResponse
// @Router /api/v1/failures/{id}/retry/async [post]
func (h *Handler) RetryAsync(c *gin.Context) {
	rec, err := h.service.ScheduleRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, common.APIResponse{Success: true, Message: "重放任务已投递", Data: rec})
}

// Review 标记已审阅
// @Summary 标记已审阅
// @Tags DeadLetter
// @Accept json
// @Produce json
// @Param id path string true "记录 ID"
// @Param request body ReviewRequest false "审阅备注"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/failures/{id}/review [post]
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
	}

	rec, err := h.service.MarkReviewed(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: rec})
}

// Stats 死信统计
// @Summary 死信统计
// @Tags DeadLetter
// @Produce json
// @Success 200 {object} deadletter.Stats
// @Router /api/v1/failures/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Statistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "DLQ_UNAVAILABLE", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		c.JSON(http.StatusNotFound, common.ErrorResponse{Code: "FAILURE_NOT_FOUND", Message: "死信记录不存在"})
	case errors.Is(err, deadletter.ErrLocked):
		c.JSON(http.StatusConflict, common.ErrorResponse{Code: "REPLAY_IN_PROGRESS", Message: "记录正在重放"})
	case errors.Is(err, deadletter.ErrNoScheduler):
		c.JSON(http.StatusServiceUnavailable, common.ErrorResponse{Code: "ASYNC_REPLAY_DISABLED", Message: "未启用异步重放"})
	default:
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "DLQ_UNAVAILABLE", Message: err.Error()})
	}
}
