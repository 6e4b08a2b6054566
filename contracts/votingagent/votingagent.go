// Package votingagent binds the voting-agent contract surface: the two
// delegation events the scanner consumes and the two vote methods the
// executor produces.
package votingagent

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// RawABI covers the events and methods the orchestrator touches.
const RawABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "user",          "type": "address"},
      {"indexed": true,  "name": "daoGovernor",   "type": "address"},
      {"indexed": false, "name": "riskThreshold", "type": "uint256"}
    ],
    "name": "VotingPowerDelegated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "user",        "type": "address"},
      {"indexed": true, "name": "daoGovernor", "type": "address"}
    ],
    "name": "DelegationRevoked",
    "type": "event"
  },
  {
    "inputs": [
      {"name": "dao",        "type": "address"},
      {"name": "proposalId", "type": "uint256"},
      {"name": "user",       "type": "address"},
      {"name": "support",    "type": "uint8"},
      {"name": "riskScore",  "type": "uint256"},
      {"name": "reportHash", "type": "bytes32"}
    ],
    "name": "castVoteWithRisk",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "dao",          "type": "address"},
      {"name": "proposalIds",  "type": "uint256[]"},
      {"name": "users",        "type": "address[]"},
      {"name": "supports",     "type": "uint8[]"},
      {"name": "riskScores",   "type": "uint256[]"},
      {"name": "reportHashes", "type": "bytes32[]"}
    ],
    "name": "castMultipleVotes",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

// Event topics used by the scanner's log filter.
var (
	VotingPowerDelegatedTopic = crypto.Keccak256Hash([]byte("VotingPowerDelegated(address,address,uint256)"))
	DelegationRevokedTopic    = crypto.Keccak256Hash([]byte("DelegationRevoked(address,address)"))
)

var contractABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(RawABI))
	if err != nil {
		panic(errors.Wrap(err, "parse voting agent ABI"))
	}
	contractABI = parsed
}

// ABI returns the parsed voting-agent ABI.
func ABI() abi.ABI {
	return contractABI
}

// VotingPowerDelegatedEvent is the decoded VotingPowerDelegated log.
type VotingPowerDelegatedEvent struct {
	User          common.Address
	DaoGovernor   common.Address
	RiskThreshold *big.Int
	Raw           gethtypes.Log
}

// ParseVotingPowerDelegated decodes a VotingPowerDelegated log. The
// user and governor ride in the indexed topics; the threshold is the
// only data argument.
func ParseVotingPowerDelegated(l gethtypes.Log) (*VotingPowerDelegatedEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != VotingPowerDelegatedTopic {
		return nil, errors.New("log is not a VotingPowerDelegated event")
	}
	vals, err := contractABI.Unpack("VotingPowerDelegated", l.Data)
	if err != nil {
		return nil, errors.Wrap(err, "unpack VotingPowerDelegated")
	}
	threshold, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("riskThreshold has unexpected type %T", vals[0])
	}
	return &VotingPowerDelegatedEvent{
		User:          common.BytesToAddress(l.Topics[1].Bytes()),
		DaoGovernor:   common.BytesToAddress(l.Topics[2].Bytes()),
		RiskThreshold: threshold,
		Raw:           l,
	}, nil
}

// DelegationRevokedEvent is the decoded DelegationRevoked log.
type DelegationRevokedEvent struct {
	User        common.Address
	DaoGovernor common.Address
	Raw         gethtypes.Log
}

// ParseDelegationRevoked decodes a DelegationRevoked log.
func ParseDelegationRevoked(l gethtypes.Log) (*DelegationRevokedEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != DelegationRevokedTopic {
		return nil, errors.New("log is not a DelegationRevoked event")
	}
	return &DelegationRevokedEvent{
		User:        common.BytesToAddress(l.Topics[1].Bytes()),
		DaoGovernor: common.BytesToAddress(l.Topics[2].Bytes()),
		Raw:         l,
	}, nil
}

// Agent is a minimal bound contract for sending vote transactions.
type Agent struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewAgent binds the voting-agent contract at addr to an RPC backend.
func NewAgent(addr common.Address, backend bind.ContractBackend) *Agent {
	return &Agent{
		address:  addr,
		contract: bind.NewBoundContract(addr, contractABI, backend, backend, backend),
	}
}

// Address returns the bound contract address.
func (a *Agent) Address() common.Address {
	return a.address
}

// CastVoteWithRisk submits a single delegated vote.
func (a *Agent) CastVoteWithRisk(opts *bind.TransactOpts, dao common.Address, proposalID *big.Int,
	user common.Address, support uint8, riskScore *big.Int, reportHash [32]byte) (*gethtypes.Transaction, error) {
	return a.contract.Transact(opts, "castVoteWithRisk", dao, proposalID, user, support, riskScore, reportHash)
}

// CastMultipleVotes submits one batched vote transaction. All array
// arguments must have equal length; the contract reverts otherwise.
func (a *Agent) CastMultipleVotes(opts *bind.TransactOpts, dao common.Address, proposalIDs []*big.Int,
	users []common.Address, supports []uint8, riskScores []*big.Int, reportHashes [][32]byte) (*gethtypes.Transaction, error) {
	if len(proposalIDs) != len(users) || len(users) != len(supports) ||
		len(supports) != len(riskScores) || len(riskScores) != len(reportHashes) {
		return nil, errors.Errorf("mismatched batch arrays: %d/%d/%d/%d/%d",
			len(proposalIDs), len(users), len(supports), len(riskScores), len(reportHashes))
	}
	return a.contract.Transact(opts, "castMultipleVotes", dao, proposalIDs, users, supports, riskScores, reportHashes)
}
