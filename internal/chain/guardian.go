package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

const guardianABIJSON = `[{"type":"function","name":"emergencyPause","stateMutability":"nonpayable","inputs":[{"name":"_contractAddress","type":"address"},{"name":"_reason","type":"string"},{"name":"_riskScore","type":"uint256"}],"outputs":[]}]`

var guardianABI = mustParseABI(guardianABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse guardian abi: %v", err))
	}
	return parsed
}

// PackEmergencyPause encodes the GuardianRegistry emergencyPause call.
func PackEmergencyPause(subject, reason string, score int) ([]byte, error) {
	return guardianABI.Pack("emergencyPause", common.HexToAddress(subject), reason, big.NewInt(int64(score)))
}

// TxBackend is the RPC surface needed to submit a transaction.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// GuardianConfig configures on-chain pause submission.
type GuardianConfig struct {
	Registry   string
	PrivateKey string
	ChainID    *big.Int
	GasLimit   uint64
}

// Guardian submits emergencyPause transactions to the GuardianRegistry.
type Guardian struct {
	backend  TxBackend
	key      *ecdsa.PrivateKey
	from     common.Address
	registry common.Address
	chainID  *big.Int
	gasLimit uint64
}

// NewGuardian validates the registry address and signing key.
func NewGuardian(backend TxBackend, cfg GuardianConfig) (*Guardian, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: guardian requires an rpc backend", models.ErrTransport)
	}
	registry, err := models.NormalizeAddress(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("guardian registry: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse operator key: %v", models.ErrCredential, err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: guardian chain id is required", models.ErrValidation)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300_000
	}
	g := &Guardian{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		registry: common.HexToAddress(registry),
		chainID:  cfg.ChainID,
		gasLimit: cfg.GasLimit,
	}
	logger.Infof("Guardian initialized: operator=%s registry=%s", g.Address(), registry)
	return g, nil
}

// Address returns the operator address the pauses are signed with.
func (g *Guardian) Address() string {
	return strings.ToLower(g.from.Hex())
}

// EmergencyPause signs and submits the pause call and returns the transaction hash.
func (g *Guardian) EmergencyPause(ctx context.Context, subject, reason string, score int) (string, error) {
	data, err := PackEmergencyPause(subject, reason, score)
	if err != nil {
		return "", fmt.Errorf("%w: pack emergencyPause: %v", models.ErrValidation, err)
	}
	nonce, err := g.backend.PendingNonceAt(ctx, g.from)
	if err != nil {
		return "", fmt.Errorf("%w: pending nonce: %v", models.ErrTransport, err)
	}
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas tip: %v", models.ErrTransport, err)
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: latest header: %v", models.ErrTransport, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       g.gasLimit,
		To:        &g.registry,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign emergencyPause: %v", models.ErrCredential, err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: send emergencyPause: %v", models.ErrTransport, err)
	}
	return signed.Hash().Hex(), nil
}

// DryRunGuardian records pauses without submitting a transaction.
type DryRunGuardian struct {
	Operator string
}

// Address returns the configured operator label.
func (d DryRunGuardian) Address() string {
	if d.Operator == "" {
		return "dry-run"
	}
	return d.Operator
}

// EmergencyPause returns a synthetic handle derived from the call arguments.
func (d DryRunGuardian) EmergencyPause(ctx context.Context, subject, reason string, score int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seed := subject + "|" + reason + "|" + strconv.Itoa(score) + "|" + strconv.FormatInt(time.Now().UnixNano(), 10)
	return "dryrun-" + crypto.Keccak256Hash([]byte(seed)).Hex(), nil
}
