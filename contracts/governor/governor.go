// Package governor binds the slice of the DAO governor ABI the
// orchestrator consumes: the ProposalCreated event. The ABI is kept
// inline so the module carries no build-time artifact dependency.
package governor

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// RawABI covers only the event shape we subscribe to.
const RawABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "proposalId",  "type": "uint256"},
      {"indexed": false, "name": "proposer",    "type": "address"},
      {"indexed": false, "name": "targets",     "type": "address[]"},
      {"indexed": false, "name": "values",      "type": "uint256[]"},
      {"indexed": false, "name": "signatures",  "type": "string[]"},
      {"indexed": false, "name": "calldatas",   "type": "bytes[]"},
      {"indexed": false, "name": "startBlock",  "type": "uint256"},
      {"indexed": false, "name": "endBlock",    "type": "uint256"},
      {"indexed": false, "name": "description", "type": "string"}
    ],
    "name": "ProposalCreated",
    "type": "event"
  }
]`

// ProposalCreatedTopic is the keccak256 hash of the event signature,
// used as the topic filter by the scanner.
var ProposalCreatedTopic = crypto.Keccak256Hash(
	[]byte("ProposalCreated(uint256,address,address[],uint256[],string[],bytes[],uint256,uint256,string)"))

var contractABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(RawABI))
	if err != nil {
		panic(errors.Wrap(err, "parse governor ABI"))
	}
	contractABI = parsed
}

// ABI returns the parsed governor ABI.
func ABI() abi.ABI {
	return contractABI
}

// ProposalCreatedEvent is the decoded ProposalCreated log.
type ProposalCreatedEvent struct {
	ProposalId  *big.Int
	Proposer    common.Address
	Targets     []common.Address
	Values      []*big.Int
	Signatures  []string
	Calldatas   [][]byte
	StartBlock  *big.Int
	EndBlock    *big.Int
	Description string
	Raw         gethtypes.Log
}

// ParseProposalCreated decodes a ProposalCreated log. All arguments
// are non-indexed, so the whole event rides in the log data.
func ParseProposalCreated(l gethtypes.Log) (*ProposalCreatedEvent, error) {
	if len(l.Topics) == 0 || l.Topics[0] != ProposalCreatedTopic {
		return nil, errors.New("log is not a ProposalCreated event")
	}
	ev := new(ProposalCreatedEvent)
	if err := contractABI.UnpackIntoInterface(ev, "ProposalCreated", l.Data); err != nil {
		return nil, errors.Wrap(err, "unpack ProposalCreated")
	}
	ev.Raw = l
	return ev, nil
}
