package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/jetton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/observability"
)

const (
	// Gas attached to a jetton transfer message.
	jettonGasTON = "0.1"

	// How many transactions back FindByMemo scans before giving up.
	memoScanDepth = 256

	txPageSize = 32
)

// TONClient implements Client over the TON network via tonutils-go.
// The custody wallet signs all outgoing transfers.
type TONClient struct {
	api     ton.APIClientWrapped
	w       *wallet.Wallet
	custody *address.Address
	timeout time.Duration
	log     *zap.Logger
}

// NewTONClient connects to the TON network and opens the custody wallet.
// If LITE_SERVER_HOST + LITE_SERVER_KEY are set, connects to a specific
// lite server; otherwise auto-discovers from the global config for the
// configured network.
func NewTONClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (*TONClient, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		var configURL string
		switch strings.ToLower(cfg.TONNetwork) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.ToLower(cfg.TONNetwork) == "mainnet" {
		proofPolicy = ton.ProofCheckPolicySecure
	}
	api := ton.NewAPIClient(client, proofPolicy).WithRetry()

	if cfg.CustodyWalletSeed == "" {
		return nil, fmt.Errorf("custody wallet seed is not configured")
	}
	w, err := wallet.FromSeed(api, strings.Fields(cfg.CustodyWalletSeed), wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("open custody wallet: %w", err)
	}

	custody := w.WalletAddress()
	if cfg.CustodyWalletAddress != "" {
		want, err := address.ParseAddr(cfg.CustodyWalletAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid CUSTODY_WALLET_ADDRESS: %w", err)
		}
		if !custody.Equals(want) {
			return nil, fmt.Errorf("custody seed derives %s, config says %s", custody.String(), want.String())
		}
	}

	log.Info("custody wallet opened", zap.String("address", custody.String()))

	return &TONClient{
		api:     api,
		w:       w,
		custody: custody,
		timeout: cfg.LedgerTimeout,
		log:     log,
	}, nil
}

func (c *TONClient) CustodyAddress() string {
	return c.custody.String()
}

func (c *TONClient) GetBalance(ctx context.Context, addr string, asset models.Asset) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	owner, err := address.ParseAddr(addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return decimal.Zero, c.classify(ctx, fmt.Errorf("get master block: %w", err))
	}

	if asset.IsNative() {
		account, err := c.api.GetAccount(ctx, block, owner)
		if err != nil {
			return decimal.Zero, c.classify(ctx, fmt.Errorf("get account: %w", err))
		}
		if account == nil || !account.IsActive {
			return decimal.Zero, ErrDestinationMissing
		}
		return decimal.NewFromBigInt(account.State.Balance.Nano(), -9), nil
	}

	jw, err := c.jettonWallet(ctx, owner, asset)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := jw.GetBalance(ctx)
	if err != nil {
		// Jetton wallet not deployed yet means zero holdings.
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(bal, -9), nil
}

// EnsureAssetRegistered checks that the asset's master contract exists and
// resolves the account's jetton wallet. On TON the jetton wallet itself is
// deployed automatically by the first transfer, so resolution succeeding is
// sufficient registration.
func (c *TONClient) EnsureAssetRegistered(ctx context.Context, addr string, asset models.Asset) error {
	if asset.IsNative() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	owner, err := address.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if _, err := c.jettonWallet(ctx, owner, asset); err != nil {
		return err
	}
	return nil
}

func (c *TONClient) SubmitTransfer(ctx context.Context, sourceSeed, destAddr string, asset models.Asset, amount decimal.Decimal, memo string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dest, err := address.ParseAddr(destAddr)
	if err != nil {
		return "", fmt.Errorf("invalid destination %q: %w", destAddr, err)
	}

	nano := amount.Shift(9).BigInt()
	if nano.Sign() <= 0 {
		return "", fmt.Errorf("non-positive transfer amount %s", amount.String())
	}

	signer := c.w
	if sourceSeed != "" {
		signer, err = wallet.FromSeed(c.api, strings.Fields(sourceSeed), wallet.V4R2)
		if err != nil {
			return "", fmt.Errorf("open source wallet: %w", err)
		}
	}

	var msg *wallet.Message
	if asset.IsNative() {
		body, err := wallet.CreateCommentCell(memo)
		if err != nil {
			return "", fmt.Errorf("build comment: %w", err)
		}
		msg = wallet.SimpleMessage(dest, tlb.FromNanoTON(nano), body)
	} else {
		jw, err := c.jettonWallet(ctx, signer.WalletAddress(), asset)
		if err != nil {
			return "", err
		}
		comment, err := wallet.CreateCommentCell(memo)
		if err != nil {
			return "", fmt.Errorf("build comment: %w", err)
		}
		payload, err := jw.BuildTransferPayloadV2(dest, signer.WalletAddress(), tlb.FromNanoTON(nano), tlb.MustFromTON("0.000000001"), comment, nil)
		if err != nil {
			return "", fmt.Errorf("build jetton transfer: %w", err)
		}
		msg = wallet.SimpleMessage(jw.Address(), tlb.MustFromTON(jettonGasTON), payload)
	}

	start := time.Now()
	tx, _, err := signer.SendWaitTransaction(ctx, msg)
	observability.LedgerSubmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", c.classify(ctx, err)
	}

	hash := hex.EncodeToString(tx.Hash)
	c.log.Info("transfer submitted",
		zap.String("dest", dest.String()),
		zap.String("asset", asset.String()),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", hash),
	)
	return hash, nil
}

// FindByMemo walks recent transactions of addr looking for an incoming
// transfer whose text comment equals memo. Pagination mirrors how the
// custody watcher scans the chain.
func (c *TONClient) FindByMemo(ctx context.Context, addr string, memo string) (*Tx, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := address.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, c.classify(ctx, fmt.Errorf("get master block: %w", err))
	}
	account, err := c.api.GetAccount(ctx, block, target)
	if err != nil {
		return nil, c.classify(ctx, fmt.Errorf("get account: %w", err))
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil, nil
	}

	lt := account.LastTxLT
	hash := account.LastTxHash
	scanned := 0

	for scanned < memoScanDepth {
		txs, err := c.api.ListTransactions(ctx, target, txPageSize, lt, hash)
		if err != nil {
			return nil, c.classify(ctx, fmt.Errorf("list transactions (lt=%d): %w", lt, err))
		}
		if len(txs) == 0 {
			break
		}

		for i := len(txs) - 1; i >= 0; i-- {
			scanned++
			if found := matchIncoming(txs[i], memo); found != nil {
				return found, nil
			}
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	return nil, nil
}

func matchIncoming(tx *tlb.Transaction, memo string) *Tx {
	if tx.IO.In == nil {
		return nil
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return nil
	}
	if inMsg.Amount.Nano().Sign() <= 0 {
		return nil
	}
	comment := ExtractComment(inMsg)
	if comment == "" || comment != memo {
		return nil
	}
	return &Tx{
		Hash:   hex.EncodeToString(tx.Hash),
		From:   inMsg.SrcAddr.String(),
		To:     inMsg.DstAddr.String(),
		Amount: decimal.NewFromBigInt(inMsg.Amount.Nano(), -9),
		Memo:   comment,
		LT:     tx.LT,
	}
}

// ExtractComment parses a text comment from an InternalMessage body.
// Text comments carry opcode 0x00000000 followed by UTF-8 text.
func ExtractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}

	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}

	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func (c *TONClient) jettonWallet(ctx context.Context, owner *address.Address, asset models.Asset) (*jetton.WalletClient, error) {
	master, err := address.ParseAddr(asset.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: bad issuer %q", ErrAssetNotRegistered, asset.Issuer)
	}
	mc := jetton.NewJettonMasterClient(c.api, master)
	jw, err := mc.GetJettonWallet(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, err)
	}
	return jw, nil
}

// classify maps transport/provider failures onto the typed taxonomy.
// A deadline hit means the outcome is unknown, not failed.
func (c *TONClient) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not enough funds") || strings.Contains(msg, "not enough balance"):
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, err)
	case strings.Contains(msg, "seqno"):
		return fmt.Errorf("%w: %s", ErrSequenceConflict, err)
	case strings.Contains(msg, "not accepted"):
		// The wallet contract rejected the external message, typically a
		// stale seqno when two transfers race on the custody wallet.
		return fmt.Errorf("%w: %s", ErrSequenceConflict, err)
	}
	return err
}
