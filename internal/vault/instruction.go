package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Instruction 是事务中的一个步骤。集合是封闭的：只有本包定义的类型可以实现它。
type Instruction interface {
	Name() string
	apply(b *batch) error
}

// Transaction 是一组针对同一金库、由同一签名者提交的指令，整体原子执行。
type Transaction struct {
	Signer       common.Address
	Vault        common.Address
	Instructions []Instruction
}

// Receipt 描述已提交事务的结果。
type Receipt struct {
	TxID      string  `json:"tx_id"`
	Slot      uint64  `json:"slot"`
	Timestamp int64   `json:"timestamp"`
	Events    []Event `json:"events"`
}

// ActionContext 是外部动作执行时可见的只读上下文。
type ActionContext struct {
	TxID      string
	Vault     common.Address
	Signer    common.Address
	Slot      uint64
	Timestamp int64
}

// External 包装第三方动作（如兑换、开仓），核心只关心它是否成功。
type External struct {
	Label string
	Run   func(ctx context.Context, action ActionContext) error
}

// Name 实现 Instruction 接口。
func (e External) Name() string {
	if e.Label == "" {
		return "external"
	}
	return "external:" + e.Label
}

func (e External) apply(b *batch) error {
	if e.Run == nil {
		return nil
	}
	err := e.Run(b.ctx, ActionContext{
		TxID:      b.txID,
		Vault:     b.target,
		Signer:    b.signer,
		Slot:      b.tick.Slot,
		Timestamp: b.tick.Timestamp,
	})
	if err != nil {
		return wrapExternal(e.Name(), err)
	}
	return nil
}

// Compose 组装 authorize → 外部动作 → finalize 三段式事务。
func Compose(agent, vault common.Address, auth Authorize, actions []External, fin Finalize) Transaction {
	instructions := make([]Instruction, 0, len(actions)+2)
	instructions = append(instructions, auth)
	for _, action := range actions {
		instructions = append(instructions, action)
	}
	instructions = append(instructions, fin)
	return Transaction{Signer: agent, Vault: vault, Instructions: instructions}
}
