package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/xswap/internal/model"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

type fakeBackend struct {
	mu        sync.Mutex
	chainID   int64
	sent      []*types.Transaction
	allowance *big.Int
	receipts  int
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(b.chainID), nil
}
func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}
func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)}, nil
}
func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}
func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}
func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts++
	if b.receipts == 1 {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
}
func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(b.allowance.Bytes(), 32), nil
}
func (b *fakeBackend) Close() {}

func newTestWallet(t *testing.T, backends map[string]*fakeBackend) *LocalWallet {
	t.Helper()
	signer, err := NewLocalSigner(SignerConfig{PrivateKeyHex: testPrivateKey})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	w, err := NewLocal(signer, DefaultChainMap(), 1, Options{
		RPCURLs: map[int64]string{
			1:   "http://eth.test",
			137: "http://polygon.test",
		},
		PollInterval: time.Millisecond,
		Dial: func(ctx context.Context, rpcURL string) (Backend, error) {
			backend, ok := backends[rpcURL]
			if !ok {
				return nil, fmt.Errorf("no backend for %s", rpcURL)
			}
			return backend, nil
		},
	})
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return w
}

func TestChainMapValidation(t *testing.T) {
	if _, err := NewChainMap(map[int64]int64{1: 1, 2: 1}); err == nil {
		t.Fatal("expected duplicate wallet chain to be rejected")
	}
	if _, err := NewChainMap(map[int64]int64{0: 1}); err == nil {
		t.Fatal("expected non-positive chain id to be rejected")
	}
	m := DefaultChainMap()
	if len(m.RoutingIDs()) != 12 {
		t.Fatalf("expected 12 default chains, got %d", len(m.RoutingIDs()))
	}
	if _, err := m.ToWallet(424242); err == nil {
		t.Fatal("expected unmapped routing chain to fail")
	}
	custom, err := m.WithOverrides(map[int64]int64{1151111081099710: 9999})
	if err != nil {
		t.Fatalf("WithOverrides failed: %v", err)
	}
	if got, err := custom.ToRouting(9999); err != nil || got != 1151111081099710 {
		t.Fatalf("unexpected reverse mapping: %d %v", got, err)
	}
}

func TestSendTransactionSignsForCurrentChain(t *testing.T) {
	eth := &fakeBackend{chainID: 1}
	w := newTestWallet(t, map[string]*fakeBackend{"http://eth.test": eth})

	hash, err := w.SendTransaction(context.Background(), model.TxRequest{
		ChainID:  1,
		From:     w.Address(),
		To:       "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE",
		Data:     "0xdeadbeef",
		Value:    "0xde0b6b3a7640000",
		GasLimit: "0x30d40",
	})
	if err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}
	if len(eth.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(eth.sent))
	}
	tx := eth.sent[0]
	if tx.Hash().Hex() != hash {
		t.Fatalf("returned hash %s does not match broadcast %s", hash, tx.Hash().Hex())
	}
	if tx.Value().String() != "1000000000000000000" || tx.Gas() != 200_000 {
		t.Fatalf("unexpected value/gas: %s %d", tx.Value(), tx.Gas())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	if err != nil || !strings.EqualFold(sender.Hex(), w.Address()) {
		t.Fatalf("unexpected sender %s (%v), want %s", sender.Hex(), err, w.Address())
	}
}

func TestSendTransactionRejectsOtherChain(t *testing.T) {
	w := newTestWallet(t, map[string]*fakeBackend{"http://eth.test": {chainID: 1}})
	_, err := w.SendTransaction(context.Background(), model.TxRequest{ChainID: 137, To: "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"})
	if err == nil {
		t.Fatal("expected chain mismatch error")
	}
}

func TestRequestChainSwitch(t *testing.T) {
	polygon := &fakeBackend{chainID: 137}
	w := newTestWallet(t, map[string]*fakeBackend{"http://polygon.test": polygon})
	if err := w.RequestChainSwitch(context.Background(), 137); err != nil {
		t.Fatalf("RequestChainSwitch failed: %v", err)
	}
	if w.ChainID() != 137 {
		t.Fatalf("expected chain 137, got %d", w.ChainID())
	}
	if err := w.RequestChainSwitch(context.Background(), 424242); err == nil {
		t.Fatal("expected unmapped chain switch to fail")
	}
	if w.ChainID() != 137 {
		t.Fatalf("failed switch must keep chain, got %d", w.ChainID())
	}
}

func TestRequestChainSwitchDetectsWrongRPC(t *testing.T) {
	w := newTestWallet(t, map[string]*fakeBackend{"http://polygon.test": {chainID: 1}})
	if err := w.RequestChainSwitch(context.Background(), 137); err == nil {
		t.Fatal("expected mismatched rpc chain to fail")
	}
}

func TestSetAllowanceApprovesExactAmount(t *testing.T) {
	eth := &fakeBackend{chainID: 1}
	w := newTestWallet(t, map[string]*fakeBackend{"http://eth.test": eth})
	amount := big.NewInt(2_500_000)

	if _, err := w.SetAllowance(context.Background(), "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "0x1231deb6f5749ef6ce6943a275a1d3e7486f4eae", amount); err != nil {
		t.Fatalf("SetAllowance failed: %v", err)
	}
	if len(eth.sent) != 1 {
		t.Fatalf("expected one approval tx, got %d", len(eth.sent))
	}
	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(eth.sent[0].Data()[4:])
	if err != nil {
		t.Fatalf("decode approve calldata: %v", err)
	}
	if got := args[1].(*big.Int); got.Cmp(amount) != 0 {
		t.Fatalf("expected bounded approval of %s, got %s", amount, got)
	}
	if eth.sent[0].Gas() != uint64(float64(50_000)*1.2) {
		t.Fatalf("expected estimated gas with multiplier, got %d", eth.sent[0].Gas())
	}
	if eth.receipts < 2 {
		t.Fatalf("expected receipt polling until mined, got %d lookups", eth.receipts)
	}
}

func TestAllowance(t *testing.T) {
	eth := &fakeBackend{chainID: 1, allowance: big.NewInt(42)}
	w := newTestWallet(t, map[string]*fakeBackend{"http://eth.test": eth})
	got, err := w.Allowance(context.Background(), 1, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", w.Address(), "0x1231deb6f5749ef6ce6943a275a1d3e7486f4eae")
	if err != nil || got.Int64() != 42 {
		t.Fatalf("unexpected allowance: %v %v", got, err)
	}
}

func TestNewSignerFromEnv(t *testing.T) {
	t.Setenv(EnvPrivateKey, testPrivateKey)
	s, err := NewSignerFromEnv(KeySourceEnv)
	if err != nil {
		t.Fatalf("NewSignerFromEnv failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	if _, err := NewSignerFromEnv("hsm"); err == nil {
		t.Fatal("expected unsupported key source error")
	}
}

func TestNewSignerFromEnvMissingKey(t *testing.T) {
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := NewSignerFromEnv(KeySourceFile); err == nil {
		t.Fatal("expected missing key error")
	}
}
