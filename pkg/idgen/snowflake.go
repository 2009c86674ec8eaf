// 文件: pkg/idgen/snowflake.go
// 雪花算法 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake
//
// 持仓、分润记录、Run 都使用同一种 ID，多实例部署时每个实例配置不同的节点号

package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Generator ID 生成接口 (测试时可以替换成固定序列)
type Generator interface {
	NextID() int64
}

// Node 基于 snowflake 的生成器
type Node struct {
	node *snowflake.Node
}

// NewNode 创建生成器
// nodeID: 节点ID (0-1023)
func NewNode(nodeID int64) (*Node, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Node{node: n}, nil
}

// NextID 生成下一个 ID
func (n *Node) NextID() int64 {
	return n.node.Generate().Int64()
}

// =============================================================================
// 默认节点
// =============================================================================

var (
	defaultNode *Node
	initOnce    sync.Once
	initErr     error
)

// Init 初始化默认节点, 只有第一次调用生效
func Init(nodeID int64) error {
	initOnce.Do(func() {
		defaultNode, initErr = NewNode(nodeID)
	})
	return initErr
}

// Default 返回默认节点; 未初始化则使用节点 0
func Default() *Node {
	if err := Init(0); err != nil {
		panic(err)
	}
	return defaultNode
}
