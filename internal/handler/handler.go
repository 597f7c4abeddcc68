package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/processor"
	"creditledger/internal/model"
	"creditledger/internal/service"
	"creditledger/pkg/logger"
	"creditledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// webhook 请求体上限
const maxWebhookBody = 1 << 20

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService     *service.AccountService
	admissionGate      *service.AdmissionGate
	paymentService     *service.PaymentService
	adjustmentService  *service.AdjustmentService
	discrepancyService *service.DiscrepancyService
	matcherCfg         config.MatcherConfig
	log                *zap.Logger
}

type Services struct {
	Account     *service.AccountService
	Admission   *service.AdmissionGate
	Payment     *service.PaymentService
	Adjustment  *service.AdjustmentService
	Discrepancy *service.DiscrepancyService
}

func NewHandler(s Services, matcherCfg config.MatcherConfig, log *zap.Logger) *Handler {
	return &Handler{
		accountService:     s.Account,
		admissionGate:      s.Admission,
		paymentService:     s.Payment,
		adjustmentService:  s.Adjustment,
		discrepancyService: s.Discrepancy,
		matcherCfg:         matcherCfg,
		log:                logger.OrNop(log).Named("handler"),
	}
}

// ============================================================
// 推理准入
// ============================================================

type GenerateRequest struct {
	Model  string `json:"model" binding:"required"`
	Prompt string `json:"prompt" binding:"required"`
}

// Generate 准入 + 撮合 + 扣费
// POST /generate
// Header: X-Max-Price（十进制），X-Max-Latency（毫秒）
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	maxPrice := h.matcherCfg.DefaultMaxPrice
	if v := c.GetHeader("X-Max-Price"); v != "" {
		p, err := decimal.NewFromString(v)
		if err != nil || !p.IsPositive() {
			response.ParamError(c, "X-Max-Price 参数错误")
			return
		}
		maxPrice = p.String()
	}
	maxLatency := uint32(h.matcherCfg.DefaultMaxLatencyMs)
	if v := c.GetHeader("X-Max-Latency"); v != "" {
		l, err := strconv.ParseUint(v, 10, 32)
		if err != nil || l == 0 {
			response.ParamError(c, "X-Max-Latency 参数错误")
			return
		}
		maxLatency = uint32(l)
	}

	result, err := h.admissionGate.Admit(c.Request.Context(), currentUserID(c), &service.AdmitRequest{
		Model:      req.Model,
		Prompt:     req.Prompt,
		MaxPrice:   maxPrice,
		MaxLatency: maxLatency,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"provider_id":       result.ProviderID,
		"status":            result.Status,
		"credits_used":      result.ReservedAmount.StringFixed(model.BalanceScale),
		"credits_remaining": result.NewBalance.StringFixed(model.BalanceScale),
		"transaction_id":    result.TransactionID,
		"payment_status":    result.PaymentStatus,
	})
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询当前用户余额
// GET /balance
func (h *Handler) GetBalance(c *gin.Context) {
	view, err := h.accountService.GetBalance(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, view)
}

// ListTransactions 当前用户流水，按时间倒序
// GET /payments/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	items, total, err := h.accountService.ListTransactions(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  items,
		"total": total,
	})
}

// ============================================================
// 支付相关接口
// ============================================================

type CreateIntentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// CreateIntent 创建支付意图
// POST /payments/create-intent
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.CreateIntent(c.Request.Context(), currentUserID(c), req.Amount, req.Currency)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"client_secret": result.ClientSecret,
		"amount":        result.Amount.StringFixed(2),
		"amount_minor":  result.AmountMinor,
		"currency":      result.Currency,
	})
}

// PaymentWebhook 支付渠道回调，返回非 2xx 时渠道会重新投递
// POST /webhooks/payment
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	result, err := h.paymentService.HandleEvent(c.Request.Context(), payload, c.GetHeader(processor.SignatureHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"duplicate": result.Duplicate,
	})
}

// ============================================================
// 运营接口
// ============================================================

type AdjustRequest struct {
	UserID int64           `json:"user_id" binding:"required,gt=0"`
	Amount decimal.Decimal `json:"amount"`
	Type   string          `json:"type" binding:"required"`
	Reason string          `json:"reason" binding:"required"`
}

// AdjustLedger 人工调账
// POST /admin/ledger/adjust
func (h *Handler) AdjustLedger(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.adjustmentService.Adjust(c.Request.Context(), &service.AdjustRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Type:     req.Type,
		Reason:   req.Reason,
		Operator: c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_id": result.TransactionID,
		"balance":        result.NewBalance.StringFixed(model.BalanceScale),
	})
}

// ListDiscrepancies 对账差异
// GET /admin/discrepancies?user_id=&page=&page_size=
func (h *Handler) ListDiscrepancies(c *gin.Context) {
	var userID int64
	if v := c.Query("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "user_id 参数错误")
			return
		}
		userID = id
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	items, total, err := h.discrepancyService.List(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  items,
		"total": total,
	})
}

// 客户端主动断开（nginx 约定）
const statusClientClosedRequest = 499

// writeError 业务错误 -> HTTP 状态码
func (h *Handler) writeError(c *gin.Context, err error) {
	var insufficient *service.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		response.ErrorWithData(c, http.StatusPaymentRequired, response.CodeInsufficientCredits, "InsufficientCredits", gin.H{
			"required": insufficient.Required.StringFixed(model.BalanceScale),
			"balance":  insufficient.Balance.StringFixed(model.BalanceScale),
		})
	case errors.Is(err, service.ErrUnknownModel),
		errors.Is(err, service.ErrInvalidPrompt),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidTransactionType),
		errors.Is(err, service.ErrUnsupportedCurrency),
		errors.Is(err, service.ErrMissingReason):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrProcessorRejected):
		response.Error(c, http.StatusBadRequest, response.CodeProcessorRejected, err.Error())
	case errors.Is(err, service.ErrSignatureInvalid),
		errors.Is(err, service.ErrInvalidWebhookPayload):
		response.Error(c, http.StatusBadRequest, response.CodeSignatureInvalid, err.Error())
	case errors.Is(err, service.ErrMatcherTimeout):
		response.Error(c, http.StatusGatewayTimeout, response.CodeMatcherTimeout, err.Error())
	case errors.Is(err, service.ErrMatcherUnavailable),
		errors.Is(err, service.ErrMatchFailed):
		response.Error(c, http.StatusBadGateway, response.CodeMatchFailed, err.Error())
	case errors.Is(err, service.ErrProcessorUnavailable):
		response.Error(c, http.StatusBadGateway, response.CodeProcessorFailed, err.Error())
	case errors.Is(err, service.ErrStaleBalanceExhausted):
		response.Error(c, http.StatusServiceUnavailable, response.CodeBalanceConflict, err.Error())
	case errors.Is(err, service.ErrPersistence):
		response.Error(c, http.StatusServiceUnavailable, response.CodeLedgerUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		// 调用方已断开，没有扣款
		h.log.Info("请求已取消", zap.String("path", c.Request.URL.Path))
		response.Error(c, statusClientClosedRequest, response.CodeMatchFailed, "请求已取消")
	default:
		h.log.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}
