package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
)

// rpc is the subset of rpcclient.Client that Bitcoind uses.
type rpc interface {
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	FundRawTransaction(tx *wire.MsgTx, opts btcjson.FundRawTransactionOpts, isWitness *bool) (*btcjson.FundRawTransactionResult, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	GetNewAddress(account string) (btcutil.Address, error)
	CreateWallet(name string, opts ...rpcclient.CreateWalletOpt) (*btcjson.CreateWalletResult, error)
	Shutdown()
}

// BitcoindConfig locates a bitcoind JSON-RPC endpoint.
type BitcoindConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// Wallet, if set, scopes wallet calls to /wallet/<name>.
	Wallet string

	Network *chaincfg.Params
}

// Bitcoind implements Backend over bitcoind's JSON-RPC interface.
type Bitcoind struct {
	client rpc
	net    *chaincfg.Params
	logger *slog.Logger
}

var _ Backend = (*Bitcoind)(nil)

// NewBitcoind connects to bitcoind in HTTP POST mode. No request is made
// until the first call.
func NewBitcoind(cfg BitcoindConfig, logger *slog.Logger) (*Bitcoind, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("bitcoind: network is required")
	}
	host := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if cfg.Wallet != "" {
		host += "/wallet/" + cfg.Wallet
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
		Params:       cfg.Network.Name,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoind: %w", err)
	}
	return newBitcoind(client, cfg.Network, logger), nil
}

func newBitcoind(client rpc, net *chaincfg.Params, logger *slog.Logger) *Bitcoind {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bitcoind{client: client, net: net, logger: logger}
}

// Close shuts down the RPC client.
func (b *Bitcoind) Close() {
	b.client.Shutdown()
}

// GetHeader implements BlockSource.
func (b *Bitcoind) GetHeader(ctx context.Context, hash *chainhash.Hash) (*Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hdr, err := b.client.GetBlockHeader(hash)
	if err != nil {
		return nil, &TransientError{Op: "get header", Err: err}
	}
	info, err := b.client.GetBlockHeaderVerbose(hash)
	if err != nil {
		return nil, &TransientError{Op: "get header", Err: err}
	}
	return &Header{Header: *hdr, Height: info.Height}, nil
}

// GetBlock implements BlockSource.
func (b *Bitcoind) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blk, err := b.client.GetBlock(hash)
	if err != nil {
		return nil, &TransientError{Op: "get block", Err: err}
	}
	return blk, nil
}

// GetBestBlock implements BlockSource.
func (b *Bitcoind) GetBestBlock(ctx context.Context) (channel.BlockRef, error) {
	if err := ctx.Err(); err != nil {
		return channel.BlockRef{}, err
	}
	info, err := b.client.GetBlockChainInfo()
	if err != nil {
		return channel.BlockRef{}, &TransientError{Op: "get best block", Err: err}
	}
	h, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return channel.BlockRef{}, fmt.Errorf("get best block: bad hash %q: %w", info.BestBlockHash, err)
	}
	return channel.BlockRef{Hash: *h, Height: info.Blocks}, nil
}

// EstimateFee implements FeeEstimator. Background uses the economical
// estimator; the other tiers use conservative mode.
func (b *Bitcoind) EstimateFee(ctx context.Context, p Priority) uint32 {
	if ctx.Err() != nil {
		return FeeFloor
	}
	mode := btcjson.EstimateModeConservative
	if p == Background {
		mode = btcjson.EstimateModeEconomical
	}
	res, err := b.client.EstimateSmartFee(p.Target(), &mode)
	if err != nil {
		b.logger.Warn("fee estimation failed, using floor", "priority", p, "error", err)
		return FeeFloor
	}
	if res.FeeRate == nil {
		b.logger.Debug("no fee estimate available, using floor", "priority", p, "errors", res.Errors)
		return FeeFloor
	}
	return SatPerKW(*res.FeeRate)
}

// Broadcast implements Broadcaster.
func (b *Bitcoind) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txid := tx.TxHash()
	if _, err := b.client.SendRawTransaction(tx, false); err != nil {
		if IsBenignBroadcastError(err) {
			b.logger.Debug("ignoring benign broadcast rejection", "txid", txid, "reason", err)
			return nil
		}
		return &BroadcastError{Txid: txid, Err: err}
	}
	b.logger.Info("broadcast transaction", "txid", txid)
	return nil
}

// FundTx implements Wallet. Funding transactions are never replaceable.
func (b *Bitcoind) FundTx(ctx context.Context, tx *wire.MsgTx, feeRate uint32) (*wire.MsgTx, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	rate := BTCPerKvB(feeRate)
	replaceable := false
	isWitness := true
	res, err := b.client.FundRawTransaction(tx, btcjson.FundRawTransactionOpts{
		FeeRate:     &rate,
		Replaceable: &replaceable,
	}, &isWitness)
	if err != nil {
		return nil, 0, fmt.Errorf("fund raw transaction: %w", err)
	}
	return res.Transaction, res.ChangePosition, nil
}

// SignTx implements Wallet.
func (b *Bitcoind) SignTx(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	signed, complete, err := b.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, false, fmt.Errorf("sign raw transaction: %w", err)
	}
	return signed, complete, nil
}

// NewAddress implements Wallet.
func (b *Bitcoind) NewAddress(ctx context.Context) (btcutil.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := b.client.GetNewAddress("")
	if err != nil {
		return nil, fmt.Errorf("get new address: %w", err)
	}
	return addr, nil
}

// CreateWallet creates the named bitcoind wallet. A wallet that already
// exists is not an error.
func (b *Bitcoind) CreateWallet(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := b.client.CreateWallet(name)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCWallet {
			b.logger.Debug("wallet already exists", "wallet", name)
			return nil
		}
		return fmt.Errorf("create wallet %q: %w", name, err)
	}
	if res.Warning != "" {
		b.logger.Warn("create wallet", "wallet", name, "warning", res.Warning)
	}
	return nil
}
