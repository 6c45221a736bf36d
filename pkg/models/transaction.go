package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Transaction is a recent transaction observed against a subject.
type Transaction struct {
	Hash     string        `json:"hash"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Value    *big.Int      `json:"value"`
	Data     hexutil.Bytes `json:"data,omitempty"`
	GasLimit uint64        `json:"gas_limit"`
	Block    uint64        `json:"block,omitempty"`
}

// Analysis is the risk verdict for one transaction or signal set.
type Analysis struct {
	Anomalous bool         `json:"anomalous"`
	RiskScore int          `json:"risk_score"`
	Reasons   []string     `json:"reasons,omitempty"`
	Patterns  []PatternTag `json:"patterns,omitempty"`
}

// Anomaly pairs an anomalous transaction with its analysis.
type Anomaly struct {
	Transaction Transaction `json:"transaction"`
	Analysis    Analysis    `json:"analysis"`
}
