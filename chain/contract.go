package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// ExecutorABI describes the on-chain contract that performs every swap of a
// plan in one transaction and reverts unless each step meets its minimum.
const ExecutorABI = `[
	{
		"inputs": [
			{"internalType": "address[]", "name": "path", "type": "address[]"},
			{"internalType": "address[]", "name": "routers", "type": "address[]"},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint256[]", "name": "minOutputs", "type": "uint256[]"},
			{"internalType": "bool", "name": "useFlashLoan", "type": "bool"}
		],
		"name": "executeArbitrage",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "token", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "amountOut", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "profit", "type": "uint256"}
		],
		"name": "ArbitrageExecuted",
		"type": "event"
	}
]`

const (
	methodExecute = "executeArbitrage"
	eventExecuted = "ArbitrageExecuted"
)

// Contract packs calls to and decodes events from the executor contract.
type Contract struct {
	address  common.Address
	abi      abi.ABI
	decimals map[common.Address]int32
}

// DefaultDecimals is assumed for tokens without a configured precision.
const DefaultDecimals = 18

func NewContract(address common.Address, decimals map[common.Address]int32) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(ExecutorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse executor ABI: %w", err)
	}
	if decimals == nil {
		decimals = map[common.Address]int32{}
	}
	return &Contract{address: address, abi: parsed, decimals: decimals}, nil
}

func (c *Contract) Address() common.Address {
	return c.address
}

func (c *Contract) tokenDecimals(token common.Address) int32 {
	if d, ok := c.decimals[token]; ok {
		return d
	}
	return DefaultDecimals
}

// ToBaseUnits converts a whole-unit amount of token into its integer
// representation, truncating dust below one base unit.
func (c *Contract) ToBaseUnits(token common.Address, amount decimal.Decimal) *big.Int {
	return amount.Shift(c.tokenDecimals(token)).Truncate(0).BigInt()
}

// FromBaseUnits is the inverse of ToBaseUnits.
func (c *Contract) FromBaseUnits(token common.Address, amount *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -c.tokenDecimals(token))
}

// ExecuteCall is the decoded form of an executeArbitrage call.
type ExecuteCall struct {
	Path         []common.Address
	Routers      []common.Address
	AmountIn     *big.Int
	MinOutputs   []*big.Int
	UseFlashLoan bool
}

// PackExecute encodes the calldata for call.
func (c *Contract) PackExecute(call ExecuteCall) ([]byte, error) {
	data, err := c.abi.Pack(methodExecute, call.Path, call.Routers, call.AmountIn, call.MinOutputs, call.UseFlashLoan)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", methodExecute, err)
	}
	return data, nil
}

// UnpackExecute decodes calldata produced by PackExecute.
func (c *Contract) UnpackExecute(data []byte) (*ExecuteCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown method: %w", err)
	}
	if method.Name != methodExecute {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack calldata: %w", err)
	}
	return &ExecuteCall{
		Path:         args[0].([]common.Address),
		Routers:      args[1].([]common.Address),
		AmountIn:     args[2].(*big.Int),
		MinOutputs:   args[3].([]*big.Int),
		UseFlashLoan: args[4].(bool),
	}, nil
}

// ProfitFromLogs returns the profit reported by the contract, in whole units
// of the start token, or nil when no matching event is present.
func (c *Contract) ProfitFromLogs(logs []*ethtypes.Log) (*decimal.Decimal, error) {
	event := c.abi.Events[eventExecuted]
	for _, lg := range logs {
		if lg.Address != c.address || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}

		var out struct {
			AmountIn  *big.Int
			AmountOut *big.Int
			Profit    *big.Int
		}
		if err := c.abi.UnpackIntoInterface(&out, eventExecuted, lg.Data); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", eventExecuted, err)
		}
		token := common.BytesToAddress(lg.Topics[1].Bytes())
		profit := c.FromBaseUnits(token, out.Profit)
		return &profit, nil
	}
	return nil, nil
}
