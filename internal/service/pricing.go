package service

import (
	"fmt"
	"unicode/utf8"

	"creditledger/internal/config"

	"github.com/shopspring/decimal"
)

// Pricer 推理费用估算：tokens = ceil(prompt 字符数 / chars_per_token)，费用 = tokens × 模型倍率
type Pricer struct {
	charsPerToken int64
	multipliers   map[string]decimal.Decimal
}

func NewPricer(cfg *config.PricingConfig) (*Pricer, error) {
	p := &Pricer{
		charsPerToken: int64(cfg.CharsPerToken),
		multipliers:   make(map[string]decimal.Decimal, len(cfg.Models)),
	}
	if p.charsPerToken <= 0 {
		return nil, fmt.Errorf("chars_per_token 必须大于0")
	}
	for name, raw := range cfg.Models {
		m, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("模型 %s 倍率不合法: %w", name, err)
		}
		if !m.IsPositive() {
			return nil, fmt.Errorf("模型 %s 倍率必须大于0", name)
		}
		p.multipliers[name] = m
	}
	return p, nil
}

// Cost 返回所需额度与 token 估算
func (p *Pricer) Cost(model, prompt string) (decimal.Decimal, int64, error) {
	multiplier, ok := p.multipliers[model]
	if !ok {
		return decimal.Zero, 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	chars := int64(utf8.RuneCountInString(prompt))
	if chars == 0 {
		return decimal.Zero, 0, ErrInvalidPrompt
	}
	tokens := (chars + p.charsPerToken - 1) / p.charsPerToken
	return decimal.NewFromInt(tokens).Mul(multiplier), tokens, nil
}
