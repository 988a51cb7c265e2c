package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// wrapperABIJSON is the strategy vault wrapper interface. It is an external,
// deployed contract: method names and signatures must not change.
const wrapperABIJSON = `[
 {"type":"function","name":"getSharePrice","stateMutability":"view",
  "inputs":[{"name":"isDirectional","type":"bool"},{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getPerformanceMetrics","stateMutability":"view",
  "inputs":[{"name":"isDirectional","type":"bool"},{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"apy","type":"uint256"},{"name":"successRate","type":"uint256"},{"name":"bestReturn","type":"uint256"},{"name":"avgYield","type":"uint256"}]},
 {"type":"function","name":"getDirectionalStrikes","stateMutability":"view",
  "inputs":[{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"","type":"uint256[]"}]},
 {"type":"function","name":"getCondorStrikes","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256[]"}]},
 {"type":"function","name":"getCurrentPrice","stateMutability":"view",
  "inputs":[{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getTotalValueLocked","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getRemainingCapacity","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"overall","type":"uint256"},{"name":"call","type":"uint256"},{"name":"put","type":"uint256"},{"name":"condor","type":"uint256"}]},
 {"type":"function","name":"getQueuedDepositsCount","stateMutability":"view",
  "inputs":[{"name":"isDirectional","type":"bool"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"vaultCycles","stateMutability":"view",
  "inputs":[{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"},{"name":"active","type":"bool"},{"name":"nextExpiryTimestamp","type":"uint256"}]},
 {"type":"function","name":"condorNextExpiryTimestamp","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"calculateDirectionalContracts","stateMutability":"view",
  "inputs":[{"name":"amount","type":"uint256"},{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"contracts","type":"uint256"},{"name":"strikes","type":"uint256[]"}]},
 {"type":"function","name":"calculateCondorContracts","stateMutability":"view",
  "inputs":[{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"contracts","type":"uint256"},{"name":"strikes","type":"uint256[]"}]},
 {"type":"function","name":"depositDirectional","stateMutability":"nonpayable",
  "inputs":[{"name":"amount","type":"uint256"},{"name":"isCall","type":"bool"}],
  "outputs":[]},
 {"type":"function","name":"depositCondor","stateMutability":"nonpayable",
  "inputs":[{"name":"amount","type":"uint256"}],
  "outputs":[]},
 {"type":"function","name":"withdrawDirectional","stateMutability":"nonpayable",
  "inputs":[{"name":"shareAmount","type":"uint256"},{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"withdrawCondor","stateMutability":"nonpayable",
  "inputs":[{"name":"shareAmount","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"claimProfits","stateMutability":"nonpayable",
  "inputs":[{"name":"isDirectional","type":"bool"},{"name":"isCall","type":"bool"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

// erc20ABIJSON covers the stable deposit token and the vault share tokens.
const erc20ABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

var (
	// WrapperABI is the parsed wrapper interface.
	WrapperABI = mustParseABI("wrapper", wrapperABIJSON)
	// ERC20ABI is the parsed token interface.
	ERC20ABI = mustParseABI("erc20", erc20ABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse %s abi: %v", name, err))
	}
	return parsed
}
