package custody

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"custodychain/api/handlers/common"
	"custodychain/internal/compliance"
	"custodychain/internal/ledger"
	"custodychain/internal/workflow/state"
)

// Validator 合规引擎对外能力
type Validator interface {
	ValidateAction(ctx context.Context, req *compliance.ActionValidationRequest) *compliance.ValidationResult
	State(ctx context.Context, entityID string) (*state.WorkflowState, error)
	Credential(ctx context.Context, entityID string) (*compliance.CredentialMetadata, error)
	SetBlocked(ctx context.Context, entityID string, blocked bool, reason string) (*state.WorkflowState, error)
}

// VerificationReader 账本核验视图
type VerificationReader interface {
	EntityVerification(ctx context.Context, entityID string) (*ledger.Verification, error)
}

// Handler 托管动作与实体查询 API
type Handler struct {
	engine Validator
	reader VerificationReader
}

// NewHandler 创建处理器；reader 为空时核验接口返回 503
func NewHandler(engine Validator, reader VerificationReader) *Handler {
	return &Handler{engine: engine, reader: reader}
}

// BlockRequest 冻结请求
type BlockRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ValidateAction 校验托管动作
// @Summary 校验托管动作
// @Description 按规则和阶段顺序校验动作，通过后推进流程；校验失败同样返回 200
// @Tags Custody
// @Accept json
// @Produce json
// @Param request body compliance.ActionValidationRequest true "动作"
// @Success 200 {object} compliance.ValidationResult
// @Failure 400 {object} common.ErrorResponse
// @Router /api/v1/actions/validate [post]
func (h *Handler) ValidateAction(c *gin.Context) {
	var req compliance.ActionValidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	res := h.engine.ValidateAction(c.Request.Context(), &req)
	c.JSON(http.StatusOK, res)
}

// GetState 查询实体流程状态
// @Summary 查询实体流程状态
// @Tags Custody
// @Produce json
// @Param id path string true "实体 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/entities/{id}/state [get]
func (h *Handler) GetState(c *gin.Context) {
	st, err := h.engine.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "STATE_UNAVAILABLE", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: st})
}

// GetCredential 查询实体凭证
// @Summary 查询实体凭证
// @Tags Custody
// @Produce json
// @Param id path string true "实体 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/v1/entities/{id}/credential [get]
func (h *Handler) GetCredential(c *gin.Context) {
	meta, err := h.engine.Credential(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, compliance.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Code: "CREDENTIAL_NOT_FOUND", Message: "实体尚未完成全部阶段"})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "CREDENTIAL_UNAVAILABLE", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: meta})
}

// Block 冻结实体，阻止终端核验
// @Summary 冻结实体
// @Tags Custody
// @Accept json
// @Produce json
// @Param id path string true "实体 ID"
// @Param request body BlockRequest true "冻结原因"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/entities/{id}/block [post]
func (h *Handler) Block(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Code: "INVALID_REQUEST", Message: "reason 不能为空"})
		return
	}
	h.setBlocked(c, true, strings.TrimSpace(req.Reason))
}

// Unblock 解除冻结
// @Summary 解除冻结
// @Tags Custody
// @Produce json
// @Param id path string true "实体 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/entities/{id}/block [delete]
func (h *Handler) Unblock(c *gin.Context) {
	h.setBlocked(c, false, "")
}

func (h *Handler) setBlocked(c *gin.Context, blocked bool, reason string) {
	st, err := h.engine.SetBlocked(c.Request.Context(), c.Param("id"), blocked, reason)
	switch {
	case errors.Is(err, state.ErrNoChange):
		// 已处于目标状态
		current, getErr := h.engine.State(c.Request.Context(), c.Param("id"))
		if getErr != nil {
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "STATE_UNAVAILABLE", Message: getErr.Error()})
			return
		}
		c.JSON(http.StatusOK, common.APIResponse{Success: true, Message: "状态未变化", Data: current})
	case err != nil:
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Code: "STATE_UPDATE_FAILED", Message: err.Error()})
	default:
		c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: st})
	}
}

// GetVerification 从账本重建实体核验视图
// @Summary 账本核验
// @Tags Custody
// @Produce json
// @Param id path string true "实体 ID"
// @Success 200 {object} ledger.Verification
// @Failure 502 {object} common.ErrorResponse
// @Router /api/v1/entities/{id}/verification [get]
func (h *Handler) GetVerification(c *gin.Context) {
	if h.reader == nil {
		c.JSON(http.StatusServiceUnavailable, common.ErrorResponse{Code: "LEDGER_READER_DISABLED", Message: "未配置账本读取端"})
		return
	}
	v, err := h.reader.EntityVerification(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, common.ErrorResponse{Code: "LEDGER_UNAVAILABLE", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}
