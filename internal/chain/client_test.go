package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"codeguard/pkg/models"
)

type fakeBackend struct {
	head   uint64
	blocks map[uint64]types.Transactions
	code   map[common.Address][]byte
	err    error
	calls  int
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	return f.head, f.err
}

func (f *fakeBackend) BlockTransactions(ctx context.Context, number uint64) (types.Transactions, error) {
	f.calls++
	return f.blocks[number], nil
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	f.calls++
	return f.code[account], f.err
}

func (f *fakeBackend) Close() {}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, to common.Address, value int64) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       6_000_000,
		To:        &to,
		Value:     big.NewInt(value),
		Data:      []byte{0xf4},
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestRecentTransactionsFiltersBySubject(t *testing.T) {
	key, _ := crypto.GenerateKey()
	chainID := big.NewInt(8453)
	subject := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	fb := &fakeBackend{
		head: 100,
		blocks: map[uint64]types.Transactions{
			100: {signedTx(t, key, chainID, 0, subject, 1), signedTx(t, key, chainID, 1, other, 2)},
			99:  {signedTx(t, key, chainID, 2, subject, 3)},
			97:  {signedTx(t, key, chainID, 3, subject, 4)},
		},
	}
	c := newClient(fb, Config{Name: "base", ChainID: 8453, LookbackBlocks: 3, CallsPerMinute: 6000})

	txs, err := c.RecentTransactions(context.Background(), strings.ToLower(subject.Hex()))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions inside the 3 block window, got %d", len(txs))
	}
	if txs[0].Value.Int64() != 1 || txs[1].Value.Int64() != 3 {
		t.Fatalf("expected newest first, got %v then %v", txs[0].Value, txs[1].Value)
	}
	wantFrom := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if txs[0].From != wantFrom {
		t.Fatalf("expected sender %s, got %s", wantFrom, txs[0].From)
	}
	if txs[0].GasLimit != 6_000_000 || len(txs[0].Data) != 1 {
		t.Fatalf("unexpected tx fields %+v", txs[0])
	}
}

func TestRecentTransactionsCapsCount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	chainID := big.NewInt(1)
	subject := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var block types.Transactions
	for i := 0; i < 10; i++ {
		block = append(block, signedTx(t, key, chainID, uint64(i), subject, int64(i)))
	}
	fb := &fakeBackend{head: 5, blocks: map[uint64]types.Transactions{5: block}}
	c := newClient(fb, Config{Name: "mainnet", ChainID: 1, MaxTransactions: 4, CallsPerMinute: 6000})

	txs, err := c.RecentTransactions(context.Background(), subject.Hex())
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("expected cap of 4, got %d", len(txs))
	}
}

func TestRecentTransactionsTransportFailure(t *testing.T) {
	fb := &fakeBackend{err: errors.New("connection refused")}
	c := newClient(fb, Config{Name: "base", ChainID: 8453, CallsPerMinute: 6000})
	_, err := c.RecentTransactions(context.Background(), "0x00000000000000000000000000000000000000aa")
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestRPCBudgetHonorsContext(t *testing.T) {
	fb := &fakeBackend{code: map[common.Address][]byte{}}
	c := newClient(fb, Config{Name: "base", ChainID: 8453, CallsPerMinute: 1})
	if _, err := c.CodeAt(context.Background(), "0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CodeAt(ctx, "0x00000000000000000000000000000000000000aa"); !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected budget wait to fail with transport error, got %v", err)
	}
	if fb.calls != 1 {
		t.Fatalf("expected exactly one rpc call, got %d", fb.calls)
	}
}
