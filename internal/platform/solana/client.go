package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	solanago "github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"actionpay-backend/internal/features/ledger/models"
	"actionpay-backend/internal/platform/metrics"
)

// NativeDecimals is the lamport precision of SOL.
const NativeDecimals = 9

var (
	ErrNoLegs        = errors.New("transfer has no legs")
	ErrAmountTooLow  = errors.New("amount rounds to zero base units")
	ErrSignerMissing = errors.New("signing key is not configured")
	// ErrTxFailed marks a transaction the cluster executed and rejected.
	ErrTxFailed     = errors.New("transaction failed on chain")
	errNotConfirmed = errors.New("transaction not confirmed yet")
)

// UnconfirmedError is returned when a transaction was sent but did not reach
// the client commitment in time. It may still land, so the caller must look
// the signature up before sending the same transfer again.
type UnconfirmedError struct {
	Signature string
	Err       error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("transaction %s unconfirmed: %v", e.Signature, e.Err)
}

func (e *UnconfirmedError) Unwrap() error {
	return e.Err
}

// TxStatus is what the cluster currently knows about a signature.
type TxStatus string

const (
	// TxUnknown means the cluster has no record of the signature, either
	// because it never landed or because its blockhash expired.
	TxUnknown TxStatus = "unknown"
	TxPending TxStatus = "pending"
	TxLanded  TxStatus = "landed"
	TxFailed  TxStatus = "failed"
)

type Config struct {
	RPCURL         string
	Commitment     string
	ConfirmTimeout time.Duration
	Rate           float64
	Burst          int
}

// Signer is the custodial keypair paying every reward.
type Signer struct {
	key solanago.PrivateKey
}

func (s Signer) PublicKey() string {
	return s.key.PublicKey().String()
}

// ParseSigner accepts a base58 secret key or a JSON byte array as written by solana-keygen.
func ParseSigner(raw string) (Signer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Signer{}, ErrSignerMissing
	}

	var key solanago.PrivateKey
	if strings.HasPrefix(raw, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(raw), &ints); err != nil {
			return Signer{}, fmt.Errorf("malformed signing key: %w", err)
		}
		key = make(solanago.PrivateKey, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return Signer{}, fmt.Errorf("malformed signing key: byte %d out of range", i)
			}
			key[i] = byte(v)
		}
	} else {
		k, err := solanago.PrivateKeyFromBase58(raw)
		if err != nil {
			return Signer{}, fmt.Errorf("malformed signing key: %w", err)
		}
		key = k
	}
	if len(key) != 64 {
		return Signer{}, fmt.Errorf("malformed signing key: expected 64 bytes, got %d", len(key))
	}
	return Signer{key: key}, nil
}

// Client submits reward transfers and reads balances over Solana JSON-RPC.
type Client struct {
	rpc            *rpc.Client
	limiter        *rate.Limiter
	commitment     rpc.CommitmentType
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger

	decimalsMu sync.RWMutex
	decimals   map[string]uint8
}

func NewClient(cfg Config, m *metrics.Metrics, log zerolog.Logger) *Client {
	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "finalized":
		commitment = rpc.CommitmentFinalized
	case "processed":
		commitment = rpc.CommitmentProcessed
	}
	limit := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		rpc:            rpc.New(cfg.RPCURL),
		limiter:        rate.NewLimiter(limit, burst),
		commitment:     commitment,
		confirmTimeout: timeout,
		metrics:        m,
		log:            log.With().Str("component", "solana").Logger(),
		decimals:       make(map[string]uint8),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc rate limiter: %w", err)
	}
	return nil
}

// NativeBalance returns the SOL balance of owner.
func (c *Client) NativeBalance(ctx context.Context, owner string) (decimal.Decimal, error) {
	pk, err := solanago.PublicKeyFromBase58(owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid wallet address: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	out, err := c.rpc.GetBalance(ctx, pk, c.commitment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rpc getBalance: %w", err)
	}
	return FromBaseUnits(out.Value, NativeDecimals), nil
}

// TokenBalance returns the balance of mint held in owner's associated token
// account. An account that does not exist holds zero.
func (c *Client) TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	if mint == "" {
		return c.NativeBalance(ctx, owner)
	}
	wallet, err := solanago.PublicKeyFromBase58(owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid wallet address: %w", err)
	}
	mintKey, err := solanago.PublicKeyFromBase58(mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token mint: %w", err)
	}
	account, _, err := solanago.FindAssociatedTokenAddress(wallet, mintKey)
	if err != nil {
		return decimal.Zero, fmt.Errorf("derive token account: %w", err)
	}

	exists, err := c.accountExists(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, nil
	}

	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	out, err := c.rpc.GetTokenAccountBalance(ctx, account, c.commitment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rpc getTokenAccountBalance: %w", err)
	}
	if out.Value == nil {
		return decimal.Zero, nil
	}
	raw, err := decimal.NewFromString(out.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed token amount %q: %w", out.Value.Amount, err)
	}
	return raw.Shift(-int32(out.Value.Decimals)), nil
}

// Transfer sends amount of mint (empty mint means native SOL) to the wallet.
func (c *Client) Transfer(ctx context.Context, to string, amount decimal.Decimal, mint string, signer Signer) (string, error) {
	return c.TransferBatch(ctx, to, []models.PayoutLeg{{Mint: mint, Amount: amount}}, signer)
}

// TransferBatch sends every leg to one recipient in a single transaction, so
// all legs share one signature. It returns once the transaction is confirmed.
func (c *Client) TransferBatch(ctx context.Context, to string, legs []models.PayoutLeg, signer Signer) (sig string, err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveTransfer(started, err) }()

	if len(signer.key) == 0 {
		return "", ErrSignerMissing
	}
	if len(legs) == 0 {
		return "", ErrNoLegs
	}
	recipient, err := solanago.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}

	payer := signer.key.PublicKey()
	instructions := make([]solanago.Instruction, 0, len(legs)*2)
	for _, leg := range legs {
		ixs, err := c.legInstructions(ctx, payer, recipient, leg)
		if err != nil {
			return "", err
		}
		instructions = append(instructions, ixs...)
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("rpc getLatestBlockhash: %w", err)
	}

	tx, err := solanago.NewTransaction(instructions, recent.Value.Blockhash, solanago.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer) {
			return &signer.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	signature, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", fmt.Errorf("rpc sendTransaction: %w", err)
	}

	if err := c.confirm(ctx, signature); err != nil {
		if errors.Is(err, ErrTxFailed) {
			return "", err
		}
		c.log.Warn().Err(err).
			Str("signature", signature.String()).
			Str("recipient", to).
			Msg("Transfer sent but not confirmed")
		return "", &UnconfirmedError{Signature: signature.String(), Err: err}
	}
	c.log.Info().
		Str("signature", signature.String()).
		Str("recipient", to).
		Int("legs", len(legs)).
		Msg("Transfer confirmed")
	return signature.String(), nil
}

func (c *Client) legInstructions(ctx context.Context, payer, recipient solanago.PublicKey, leg models.PayoutLeg) ([]solanago.Instruction, error) {
	if leg.Mint == "" {
		lamports, err := ToBaseUnits(leg.Amount, NativeDecimals)
		if err != nil {
			return nil, err
		}
		return []solanago.Instruction{
			system.NewTransferInstruction(lamports, payer, recipient).Build(),
		}, nil
	}

	mint, err := solanago.PublicKeyFromBase58(leg.Mint)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint %s: %w", leg.Mint, err)
	}
	decimals, err := c.mintDecimals(ctx, mint)
	if err != nil {
		return nil, err
	}
	amount, err := ToBaseUnits(leg.Amount, decimals)
	if err != nil {
		return nil, err
	}

	source, _, err := solanago.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return nil, fmt.Errorf("derive source token account: %w", err)
	}
	destination, _, err := solanago.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("derive destination token account: %w", err)
	}

	out := make([]solanago.Instruction, 0, 2)
	exists, err := c.accountExists(ctx, destination)
	if err != nil {
		return nil, err
	}
	if !exists {
		out = append(out, ata.NewCreateInstruction(payer, recipient, mint).Build())
	}
	out = append(out, token.NewTransferCheckedInstruction(
		amount, decimals, source, mint, destination, payer, []solanago.PublicKey{},
	).Build())
	return out, nil
}

func (c *Client) accountExists(ctx context.Context, account solanago.PublicKey) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, err := c.rpc.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rpc getAccountInfo: %w", err)
	}
	return true, nil
}

func (c *Client) mintDecimals(ctx context.Context, mint solanago.PublicKey) (uint8, error) {
	key := mint.String()
	c.decimalsMu.RLock()
	d, ok := c.decimals[key]
	c.decimalsMu.RUnlock()
	if ok {
		return d, nil
	}

	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	out, err := c.rpc.GetTokenSupply(ctx, mint, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("rpc getTokenSupply: %w", err)
	}
	if out.Value == nil {
		return 0, fmt.Errorf("rpc getTokenSupply: empty result for %s", key)
	}

	c.decimalsMu.Lock()
	c.decimals[key] = out.Value.Decimals
	c.decimalsMu.Unlock()
	return out.Value.Decimals, nil
}

// SignatureStatus looks up a previously sent transaction.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (TxStatus, error) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return TxUnknown, fmt.Errorf("invalid signature: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return TxUnknown, err
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxUnknown, fmt.Errorf("rpc getSignatureStatuses: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return TxUnknown, nil
	}
	status := out.Value[0]
	switch {
	case status.Err != nil:
		return TxFailed, nil
	case c.reached(status.ConfirmationStatus):
		return TxLanded, nil
	default:
		return TxPending, nil
	}
}

// reached reports whether s satisfies the client commitment.
func (c *Client) reached(s rpc.ConfirmationStatusType) bool {
	if c.commitment == rpc.CommitmentFinalized {
		return s == rpc.ConfirmationStatusFinalized
	}
	return s == rpc.ConfirmationStatusConfirmed || s == rpc.ConfirmationStatusFinalized
}

// confirm polls the signature status until it reaches the client commitment,
// fails on chain, or the confirmation timeout elapses.
func (c *Client) confirm(ctx context.Context, sig solanago.Signature) error {
	op := func() error {
		if err := c.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return errNotConfirmed
		}
		status := out.Value[0]
		if status.Err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrTxFailed, sig, status.Err))
		}
		if !c.reached(status.ConfirmationStatus) {
			return errNotConfirmed
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.confirmTimeout

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errNotConfirmed) {
			return fmt.Errorf("confirmation timeout after %s for %s", c.confirmTimeout, sig)
		}
		return err
	}
	return nil
}
