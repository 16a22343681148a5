package sim

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/web3"
)

// Config 描述仿真链的初始状态。
type Config struct {
	Name           string
	Accounts       int
	InitialBalance string
	GasLimit       uint64
	Protocols      []string
}

const (
	defaultAccounts = 4
	// 每个创世账户默认注资 100 ETH。
	defaultInitialBalance = "100000000000000000000"
	defaultGasLimit       = uint64(30_000_000)
	transferGasLimit      = uint64(21_000)
)

// Backend 在 go-ethereum 的内存仿真链上实现工具执行协作方。
// swap 与 deposit 不接入真实协议：原生资产转入协议汇聚地址，
// 代币余额与仓位在本地账本中记账，供评分快照读取。
type Backend struct {
	name    string
	backend *simulated.Backend
	chainID *big.Int

	mu        sync.Mutex
	keys      map[common.Address]*ecdsa.PrivateKey
	accounts  []common.Address
	tokens    map[string]map[common.Address]*big.Int
	positions map[string]*big.Int
	protocols map[string]common.Address
}

// NewBackend 创建带有若干注资账户的仿真链。
func NewBackend(cfg Config) (*Backend, error) {
	count := cfg.Accounts
	if count <= 0 {
		count = defaultAccounts
	}
	balanceRaw := strings.TrimSpace(cfg.InitialBalance)
	if balanceRaw == "" {
		balanceRaw = defaultInitialBalance
	}
	balance, ok := new(big.Int).SetString(balanceRaw, 10)
	if !ok || balance.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的创世余额: "+balanceRaw)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, count)
	accounts := make([]common.Address, 0, count)
	alloc := make(types.GenesisAlloc, count)
	for i := 0; i < count; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成仿真账户密钥失败")
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		keys[addr] = key
		accounts = append(accounts, addr)
		alloc[addr] = types.Account{Balance: new(big.Int).Set(balance)}
	}

	protocols := make(map[string]common.Address, len(cfg.Protocols))
	for _, protocol := range cfg.Protocols {
		protocol = strings.ToLower(strings.TrimSpace(protocol))
		if protocol == "" {
			continue
		}
		protocols[protocol] = protocolSink(protocol)
	}

	backend := simulated.NewBackend(alloc, simulated.WithBlockGasLimit(gasLimit))
	chainID, err := backend.Client().ChainID(context.Background())
	if err != nil {
		_ = backend.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取仿真链 ChainID 失败")
	}

	return &Backend{
		name:      cfg.Name,
		backend:   backend,
		chainID:   chainID,
		keys:      keys,
		accounts:  accounts,
		tokens:    make(map[string]map[common.Address]*big.Int),
		positions: make(map[string]*big.Int),
		protocols: protocols,
	}, nil
}

// Accounts 返回创世注资的账户地址。
func (b *Backend) Accounts() []string {
	out := make([]string, 0, len(b.accounts))
	for _, addr := range b.accounts {
		out = append(out, addr.Hex())
	}
	return out
}

// ChainID 返回仿真链的链 ID。
func (b *Backend) ChainID() string {
	return b.chainID.String()
}

// Execute 实现 web3.Executor。
func (b *Backend) Execute(ctx context.Context, call web3.ToolCall) (web3.ToolOutcome, error) {
	switch call.Kind {
	case web3.ToolTransfer:
		return b.executeTransfer(ctx, call)
	case web3.ToolSwap:
		return b.executeSwap(ctx, call)
	case web3.ToolDeposit:
		return b.executeDeposit(ctx, call)
	case web3.ToolBalance:
		return b.executeBalance(ctx, call)
	default:
		return web3.ToolOutcome{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的工具: "+string(call.Kind))
	}
}

func (b *Backend) executeTransfer(ctx context.Context, call web3.ToolCall) (web3.ToolOutcome, error) {
	to, err := parseAddress(call.To, "to")
	if err != nil {
		return web3.ToolOutcome{}, err
	}
	return b.sendNative(ctx, call.From, to, call.Amount, fmt.Sprintf("transferred %s wei to %s", call.Amount, to.Hex()))
}

func (b *Backend) executeSwap(ctx context.Context, call web3.ToolCall) (web3.ToolOutcome, error) {
	sink, err := b.resolveProtocol(call.Protocol)
	if err != nil {
		return web3.ToolOutcome{}, err
	}
	asset := strings.ToUpper(strings.TrimSpace(call.Asset))
	if asset == "" {
		return web3.ToolOutcome{}, xerrors.New(xerrors.CodeInvalidArgument, "swap 缺少目标资产")
	}
	outcome, err := b.sendNative(ctx, call.From, sink, call.Amount,
		fmt.Sprintf("swapped %s wei into %s via %s", call.Amount, asset, call.Protocol))
	if err != nil {
		return web3.ToolOutcome{}, err
	}

	// 记账：按 1:1 的仿真汇率将换得的代币计入本地账本。
	amount, _ := new(big.Int).SetString(call.Amount, 10)
	from := common.HexToAddress(call.From)
	b.mu.Lock()
	holders := b.tokens[asset]
	if holders == nil {
		holders = make(map[common.Address]*big.Int)
		b.tokens[asset] = holders
	}
	if holders[from] == nil {
		holders[from] = new(big.Int)
	}
	holders[from].Add(holders[from], amount)
	b.mu.Unlock()
	return outcome, nil
}

func (b *Backend) executeDeposit(ctx context.Context, call web3.ToolCall) (web3.ToolOutcome, error) {
	sink, err := b.resolveProtocol(call.Protocol)
	if err != nil {
		return web3.ToolOutcome{}, err
	}
	outcome, err := b.sendNative(ctx, call.From, sink, call.Amount,
		fmt.Sprintf("deposited %s wei into %s", call.Amount, call.Protocol))
	if err != nil {
		return web3.ToolOutcome{}, err
	}

	amount, _ := new(big.Int).SetString(call.Amount, 10)
	key := positionKey(call.From, call.Protocol)
	b.mu.Lock()
	if b.positions[key] == nil {
		b.positions[key] = new(big.Int)
	}
	b.positions[key].Add(b.positions[key], amount)
	b.mu.Unlock()
	return outcome, nil
}

func (b *Backend) executeBalance(ctx context.Context, call web3.ToolCall) (web3.ToolOutcome, error) {
	addr, err := parseAddress(call.From, "from")
	if err != nil {
		return web3.ToolOutcome{}, err
	}
	balance, err := b.backend.Client().BalanceAt(ctx, addr, nil)
	if err != nil {
		return web3.ToolOutcome{}, wrapChainError(err, "查询余额失败")
	}
	header, err := b.backend.Client().HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ToolOutcome{}, wrapChainError(err, "查询区块头失败")
	}
	return web3.ToolOutcome{
		BlockNumber: header.Number.String(),
		Output:      balance.String(),
	}, nil
}

func (b *Backend) sendNative(ctx context.Context, fromRaw string, to common.Address, amountRaw, note string) (web3.ToolOutcome, error) {
	from, err := parseAddress(fromRaw, "from")
	if err != nil {
		return web3.ToolOutcome{}, err
	}
	key, ok := b.keys[from]
	if !ok {
		return web3.ToolOutcome{}, xerrors.New(xerrors.CodeInvalidArgument, "账户未由仿真链托管: "+from.Hex())
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(amountRaw), 10)
	if !ok || amount.Sign() <= 0 {
		return web3.ToolOutcome{}, xerrors.New(xerrors.CodeInvalidArgument, "非法的金额: "+amountRaw)
	}

	client := b.backend.Client()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return web3.ToolOutcome{}, wrapChainError(err, "获取 nonce 失败")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return web3.ToolOutcome{}, wrapChainError(err, "获取 gas 价格失败")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), key)
	if err != nil {
		return web3.ToolOutcome{}, xerrors.Wrap(xerrors.CodeToolFailure, err, "签名交易失败")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return web3.ToolOutcome{}, wrapChainError(err, "发送交易失败")
	}
	b.backend.Commit()

	receipt, err := client.TransactionReceipt(ctx, signed.Hash())
	if err != nil {
		return web3.ToolOutcome{}, wrapChainError(err, "获取交易回执失败")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return web3.ToolOutcome{}, xerrors.New(xerrors.CodeToolFailure, "交易执行被回滚")
	}
	return web3.ToolOutcome{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.String(),
		Output:      note,
	}, nil
}

// Snapshot 实现 web3.Executor，返回指定账户的余额与仓位快照。
func (b *Backend) Snapshot(ctx context.Context, addresses []string) (web3.AccountSnapshot, error) {
	header, err := b.backend.Client().HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.AccountSnapshot{}, wrapChainError(err, "查询区块头失败")
	}
	snapshot := web3.AccountSnapshot{
		ChainID:     b.chainID.String(),
		BlockNumber: header.Number.String(),
		Balances:    make(map[string]string, len(addresses)),
		Positions:   make(map[string]string),
	}
	for _, raw := range addresses {
		addr, err := parseAddress(raw, "snapshot")
		if err != nil {
			return web3.AccountSnapshot{}, err
		}
		balance, err := b.backend.Client().BalanceAt(ctx, addr, nil)
		if err != nil {
			return web3.AccountSnapshot{}, wrapChainError(err, "查询余额失败")
		}
		snapshot.Balances[addr.Hex()] = balance.String()

		b.mu.Lock()
		for asset, holders := range b.tokens {
			if amount := holders[addr]; amount != nil && amount.Sign() > 0 {
				snapshot.Balances[addr.Hex()+"/"+asset] = amount.String()
			}
		}
		for key, amount := range b.positions {
			if strings.HasPrefix(key, strings.ToLower(addr.Hex())+"|") && amount.Sign() > 0 {
				snapshot.Positions[key] = amount.String()
			}
		}
		b.mu.Unlock()
	}
	return snapshot, nil
}

// Close 释放仿真链资源。
func (b *Backend) Close() {
	if b == nil || b.backend == nil {
		return
	}
	_ = b.backend.Close()
}

func (b *Backend) resolveProtocol(raw string) (common.Address, error) {
	protocol := strings.ToLower(strings.TrimSpace(raw))
	if protocol == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少协议名")
	}
	if sink, ok := b.protocols[protocol]; ok {
		return sink, nil
	}
	if len(b.protocols) == 0 {
		// 未配置协议白名单时按名字派生汇聚地址。
		return protocolSink(protocol), nil
	}
	return common.Address{}, xerrors.New(xerrors.CodeToolFailure, "协议不可用: "+protocol)
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的 %s 地址: %s", field, raw))
	}
	return common.HexToAddress(raw), nil
}

func protocolSink(protocol string) common.Address {
	hash := crypto.Keccak256([]byte("chainflow/protocol/" + protocol))
	return common.BytesToAddress(hash[12:])
}

func positionKey(address, protocol string) string {
	return strings.ToLower(strings.TrimSpace(address)) + "|" + strings.ToLower(strings.TrimSpace(protocol))
}

// wrapChainError 对链交互错误做瞬时/永久分类后再包装。
func wrapChainError(err error, message string) error {
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "connection") || strings.Contains(text, "timeout") || strings.Contains(text, "temporarily") {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, message, xerrors.WithRetryable(true))
	}
	return xerrors.Wrap(xerrors.CodeToolFailure, err, message)
}

var _ web3.Executor = (*Backend)(nil)
