package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Deployment is one entry of a Truffle artifact's "networks" map.
type Deployment struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Artifact is a compiled contract description as written by Truffle's
// contracts_build_directory.
type Artifact struct {
	ContractName string
	ABI          abi.ABI
	Networks     map[string]Deployment
}

type rawArtifact struct {
	ContractName string                `json:"contractName"`
	ABI          json.RawMessage       `json:"abi"`
	Networks     map[string]Deployment `json:"networks"`
}

// DefaultArtifact carries the embedded ABI and no deployments.
func DefaultArtifact() *Artifact {
	parsed, err := abi.JSON(strings.NewReader(SolidarityEconomyABI))
	if err != nil {
		panic(fmt.Sprintf("embedded abi: %v", err))
	}
	return &Artifact{
		ContractName: "SolidarityEconomy",
		ABI:          parsed,
		Networks:     map[string]Deployment{},
	}
}

// LoadArtifact reads and parses an artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseArtifact(raw)
}

// ParseArtifact decodes artifact JSON. A missing abi falls back to the
// embedded one.
func ParseArtifact(raw []byte) (*Artifact, error) {
	var ra rawArtifact
	if err := json.Unmarshal(raw, &ra); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}

	art := DefaultArtifact()
	if ra.ContractName != "" {
		art.ContractName = ra.ContractName
	}
	if len(bytes.TrimSpace(ra.ABI)) > 0 && !bytes.Equal(bytes.TrimSpace(ra.ABI), []byte("null")) {
		parsed, err := abi.JSON(bytes.NewReader(ra.ABI))
		if err != nil {
			return nil, fmt.Errorf("parse abi: %w", err)
		}
		art.ABI = parsed
	}
	for id, dep := range ra.Networks {
		art.Networks[id] = dep
	}
	return art, nil
}

// AddressFor resolves the deployed address for a network id.
func (a *Artifact) AddressFor(networkID *big.Int) (common.Address, bool) {
	if a == nil || networkID == nil {
		return common.Address{}, false
	}
	dep, ok := a.Networks[networkID.String()]
	if !ok || !common.IsHexAddress(dep.Address) {
		return common.Address{}, false
	}
	return common.HexToAddress(dep.Address), true
}
