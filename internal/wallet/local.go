package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
	"github.com/ggonzalez94/xswap/internal/registry"
)

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20MinimalABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Backend is the subset of *ethclient.Client the wallet needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

type DialFunc func(ctx context.Context, rpcURL string) (Backend, error)

func dialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

type Options struct {
	// RPCURLs overrides default endpoints, keyed by wallet chain id.
	RPCURLs       map[int64]string
	GasMultiplier float64
	PollInterval  time.Duration
	Dial          DialFunc
	Logger        *slog.Logger
}

// LocalWallet signs with a local key and broadcasts over JSON-RPC. Chain ids
// on its API are routing ids, translated through the ChainMap.
type LocalWallet struct {
	signer Signer
	chains ChainMap
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	chainID  int64
	backends map[int64]Backend
}

var (
	_ providers.Wallet          = (*LocalWallet)(nil)
	_ providers.AllowanceReader = (*LocalWallet)(nil)
)

func NewLocal(signer Signer, chains ChainMap, initialChainID int64, opts Options) (*LocalWallet, error) {
	if signer == nil {
		return nil, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if _, err := chains.ToWallet(initialChainID); err != nil {
		return nil, err
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = dialEthclient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalWallet{
		signer:   signer,
		chains:   chains,
		opts:     opts,
		logger:   logger.With(slog.String("component", "wallet")),
		chainID:  initialChainID,
		backends: map[int64]Backend{},
	}, nil
}

func (w *LocalWallet) Address() string {
	return strings.ToLower(w.signer.Address().Hex())
}

func (w *LocalWallet) ChainID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID
}

func (w *LocalWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for chainID, backend := range w.backends {
		backend.Close()
		delete(w.backends, chainID)
	}
}

// backend dials the wallet chain behind a routing chain id and checks the
// endpoint reports the expected chain.
func (w *LocalWallet) backend(ctx context.Context, routingID int64) (Backend, *big.Int, error) {
	walletID, err := w.chains.ToWallet(routingID)
	if err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if backend, ok := w.backends[walletID]; ok {
		return backend, big.NewInt(walletID), nil
	}
	rpcURL, err := registry.ResolveRPCURL(w.opts.RPCURLs, walletID)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	backend, err := w.opts.Dial(ctx, rpcURL)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	reported, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if reported.Int64() != walletID {
		backend.Close()
		return nil, nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("rpc for chain %d reports chain %d", walletID, reported.Int64()))
	}
	w.backends[walletID] = backend
	return backend, reported, nil
}

func (w *LocalWallet) RequestChainSwitch(ctx context.Context, chainID int64) error {
	if _, _, err := w.backend(ctx, chainID); err != nil {
		return err
	}
	w.mu.Lock()
	w.chainID = chainID
	w.mu.Unlock()
	w.logger.Info("switched chain", slog.Int64("chain_id", chainID))
	return nil
}

func (w *LocalWallet) SendTransaction(ctx context.Context, tx model.TxRequest) (string, error) {
	current := w.ChainID()
	if tx.ChainID != 0 && tx.ChainID != current {
		return "", clierr.New(clierr.CodeSigner, fmt.Sprintf("wallet is on chain %d, transaction targets chain %d", current, tx.ChainID))
	}
	if from := strings.TrimSpace(tx.From); from != "" && !strings.EqualFold(from, w.signer.Address().Hex()) {
		return "", clierr.New(clierr.CodeSigner, "transaction sender does not match wallet address")
	}
	if !common.IsHexAddress(tx.To) {
		return "", clierr.New(clierr.CodeUsage, "invalid transaction target")
	}
	data, err := decodeHexData(tx.Data)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "decode transaction data", err)
	}
	value, err := parseQuantity(tx.Value)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "parse transaction value", err)
	}
	gasLimit := uint64(0)
	if strings.TrimSpace(tx.GasLimit) != "" {
		limit, err := parseQuantity(tx.GasLimit)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeUsage, "parse gas limit", err)
		}
		gasLimit = limit.Uint64()
	}
	signed, err := w.send(ctx, current, common.HexToAddress(tx.To), value, data, gasLimit)
	if err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// SetAllowance approves exactly amount and waits for the approval receipt.
func (w *LocalWallet) SetAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(token) || !common.IsHexAddress(spender) {
		return "", clierr.New(clierr.CodeUsage, "approval requires valid token and spender addresses")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", clierr.New(clierr.CodeUsage, "approval amount must be positive")
	}
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	current := w.ChainID()
	signed, err := w.send(ctx, current, common.HexToAddress(token), big.NewInt(0), data, 0)
	if err != nil {
		return "", err
	}
	backend, _, err := w.backend(ctx, current)
	if err != nil {
		return signed.Hash().Hex(), err
	}
	if err := w.waitForReceipt(ctx, backend, signed.Hash()); err != nil {
		return signed.Hash().Hex(), err
	}
	return signed.Hash().Hex(), nil
}

func (w *LocalWallet) Allowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	backend, _, err := w.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	input, err := erc20ABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	raw, err := backend.CallContract(ctx, ethereum.CallMsg{From: common.HexToAddress(owner), To: &tokenAddr, Data: input}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	out, err := erc20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode allowance", err)
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid allowance response type")
	}
	return allowance, nil
}

func (w *LocalWallet) send(ctx context.Context, routingID int64, to common.Address, value *big.Int, data []byte, gasLimit uint64) (*types.Transaction, error) {
	backend, chainID, err := w.backend(ctx, routingID)
	if err != nil {
		return nil, err
	}
	from := w.signer.Address()
	if gasLimit == 0 {
		estimate, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeExecution, "estimate gas", err)
		}
		gasLimit = uint64(float64(estimate) * w.opts.GasMultiplier)
	}
	tipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000)
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := w.signer.SignTx(chainID, tx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, clierr.Wrap(clierr.CodeExecution, "broadcast transaction", err)
	}
	w.logger.Info("transaction broadcast",
		slog.Int64("chain_id", chainID.Int64()),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return signed, nil
}

func (w *LocalWallet) waitForReceipt(ctx context.Context, backend Backend, hash common.Hash) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return clierr.New(clierr.CodeExecution, "transaction reverted on-chain")
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			w.logger.Debug("receipt lookup failed", slog.String("tx_hash", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return clierr.Wrap(clierr.CodeUnavailable, "stopped waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func decodeHexData(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	if clean == "" || clean == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		clean = "0x" + clean
	}
	return hexutil.Decode(clean)
}

// parseQuantity accepts hex ("0x1bc16d674ec80000") or decimal quantities.
func parseQuantity(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0), nil
	}
	n := new(big.Int)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		digits := clean[2:]
		if digits == "" {
			return n, nil
		}
		if _, ok := n.SetString(digits, 16); !ok {
			return nil, fmt.Errorf("invalid hex quantity %q", v)
		}
		return n, nil
	}
	if _, ok := n.SetString(clean, 10); !ok {
		return nil, fmt.Errorf("invalid quantity %q", v)
	}
	return n, nil
}
