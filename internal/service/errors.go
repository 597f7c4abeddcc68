package service

import (
	"errors"
	"fmt"

	"creditledger/internal/infrastructure/processor"
	"creditledger/internal/repository"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCredits   = errors.New("余额不足")
	ErrStaleBalance          = repository.ErrStaleBalance
	ErrDuplicateReference    = repository.ErrDuplicateReference
	ErrStaleBalanceExhausted = errors.New("余额并发变更频繁，请稍后重试")
	ErrPersistence           = errors.New("账本写入失败")

	ErrMatcherUnavailable = errors.New("撮合服务不可用")
	ErrMatcherTimeout     = errors.New("撮合服务超时")
	ErrMatchFailed        = errors.New("撮合失败")

	ErrUnknownModel           = errors.New("不支持的模型")
	ErrInvalidPrompt          = errors.New("prompt 不能为空")
	ErrInvalidAmount          = errors.New("金额不合法")
	ErrInvalidTransactionType = errors.New("交易类型不合法")
	ErrUnsupportedCurrency    = errors.New("不支持的币种")
	ErrMissingReason          = errors.New("调账原因不能为空")
	ErrProcessorRejected      = processor.ErrRejected
	ErrProcessorUnavailable   = errors.New("支付渠道不可用")
	ErrSignatureInvalid       = processor.ErrSignatureInvalid
	ErrInvalidWebhookPayload  = processor.ErrInvalidPayload
)

// InsufficientCreditsError 携带所需与可用额度，errors.Is(err, ErrInsufficientCredits) 为真
type InsufficientCreditsError struct {
	Required decimal.Decimal
	Balance  decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("余额不足: required=%s, balance=%s", e.Required.StringFixed(8), e.Balance.StringFixed(8))
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
