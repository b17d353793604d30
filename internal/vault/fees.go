package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// FeeRateDenominator 是费率的定点分母，费率 1 即百万分之一。
	FeeRateDenominator = 1_000_000
	// ProtocolFeeRate 为固定的协议费率（0.002%）。
	ProtocolFeeRate = 20
	// MaxDeveloperFeeRate 是开发者费率上限（0.005%）。
	MaxDeveloperFeeRate = 50
)

// ProtocolTreasury 是唯一合法的协议费收款账户。
var ProtocolTreasury = common.HexToAddress("0x5A4E0c7aAe1Ef52D6d3a1F1b0cB8f0b33e8a9C21")

// Fees 是一次成功结算所产生的两项费用。
type Fees struct {
	Protocol  uint64 `json:"protocol_fee"`
	Developer uint64 `json:"developer_fee"`
}

// Total 返回两项费用之和。
func (f Fees) Total() (uint64, error) {
	return checkedAdd(f.Protocol, f.Developer)
}

// ComputeFees 按 amount*rate/denominator 向下取整计算费用。
func ComputeFees(amount uint64, developerRate uint16) (Fees, error) {
	if developerRate > MaxDeveloperFeeRate {
		return Fees{}, ErrDeveloperFeeTooHigh
	}
	protocol, err := feeFor(amount, ProtocolFeeRate)
	if err != nil {
		return Fees{}, err
	}
	developer, err := feeFor(amount, uint64(developerRate))
	if err != nil {
		return Fees{}, err
	}
	return Fees{Protocol: protocol, Developer: developer}, nil
}

func feeFor(amount, rate uint64) (uint64, error) {
	if amount == 0 || rate == 0 {
		return 0, nil
	}
	fee, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(amount),
		uint256.NewInt(rate),
		uint256.NewInt(FeeRateDenominator),
	)
	if overflow || !fee.IsUint64() {
		return 0, ErrOverflow
	}
	return fee.Uint64(), nil
}
