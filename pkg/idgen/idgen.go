package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// ID 生成器
// ============================================================================
//
// 流水号：ULID（48 位毫秒时间戳 + 80 位随机数），字典序即时间序
// 审计ID / 差异ID：雪花算法 int64，趋势递增，便于数据库索引
//
// ============================================================================

// Generator 由 main 显式创建并注入，不使用全局单例
type Generator struct {
	node *snowflake.Node
}

// New workerID 必须在 0-1023 之间，多实例部署时每个实例唯一
func New(workerID int64) (*Generator, error) {
	node, err := snowflake.NewNode(workerID)
	if err != nil {
		return nil, fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	return &Generator{node: node}, nil
}

// NextID 生成下一个雪花ID
func (g *Generator) NextID() int64 {
	return g.node.Generate().Int64()
}

// TransactionID 生成流水号
// 例如：01HV3K8Z5Q2W9XJ7N4M6B1C0D2
func (g *Generator) TransactionID() string {
	return ulid.Make().String()
}
