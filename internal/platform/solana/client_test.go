package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"actionpay-backend/internal/features/ledger/models"
)

func TestParseSigner(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	t.Run("base58", func(t *testing.T) {
		s, err := ParseSigner(key.String())
		require.NoError(t, err)
		require.Equal(t, key.PublicKey().String(), s.PublicKey())
	})

	t.Run("json array", func(t *testing.T) {
		raw, err := json.Marshal(bytesToInts(key))
		require.NoError(t, err)
		s, err := ParseSigner(string(raw))
		require.NoError(t, err)
		require.Equal(t, key.PublicKey().String(), s.PublicKey())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ParseSigner("  ")
		require.ErrorIs(t, err, ErrSignerMissing)
	})

	t.Run("short array", func(t *testing.T) {
		_, err := ParseSigner("[1,2,3]")
		require.ErrorContains(t, err, "expected 64 bytes")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseSigner("not-a-key-0OIl")
		require.Error(t, err)
	})
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 9, 1_000_000_000, false},
		{"0.000001", 6, 1, false},
		{"33.3333339", 6, 33_333_333, false},
		{"0.0000001", 6, 0, true},
		{"0", 9, 0, true},
		{"-1", 9, 0, true},
		{"100000000000", 9, 0, true},
	}
	for _, tt := range tests {
		got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
		if tt.wantErr {
			require.Error(t, err, tt.amount)
			continue
		}
		require.NoError(t, err, tt.amount)
		require.Equal(t, tt.want, got, tt.amount)
	}
}

func TestFromBaseUnits(t *testing.T) {
	require.Equal(t, "1.5", FromBaseUnits(1_500_000_000, NativeDecimals).String())
}

func TestTransferBatchRejectsBeforeRPC(t *testing.T) {
	c := NewClient(Config{RPCURL: "http://127.0.0.1:0"}, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := c.TransferBatch(ctx, "x", []models.PayoutLeg{{Amount: decimal.NewFromInt(1)}}, Signer{})
	require.ErrorIs(t, err, ErrSignerMissing)

	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := ParseSigner(key.String())
	require.NoError(t, err)

	_, err = c.TransferBatch(ctx, key.PublicKey().String(), nil, signer)
	require.ErrorIs(t, err, ErrNoLegs)

	_, err = c.TransferBatch(ctx, "bad-address", []models.PayoutLeg{{Amount: decimal.NewFromInt(1)}}, signer)
	require.ErrorContains(t, err, "invalid recipient")
}

// statusServer answers getSignatureStatuses with the given value entry.
func statusServer(t *testing.T, value string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "getSignatureStatuses" {
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) +
			`,"result":{"context":{"slot":10},"value":[` + value + `]}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSignatureStatus(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	sig, err := key.Sign([]byte("payout"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		commitment string
		value      string
		want       TxStatus
	}{
		{"never seen", "", `null`, TxUnknown},
		{"processed only", "", `{"slot":9,"confirmations":0,"err":null,"confirmationStatus":"processed"}`, TxPending},
		{"confirmed", "", `{"slot":9,"confirmations":1,"err":null,"confirmationStatus":"confirmed"}`, TxLanded},
		{"confirmed below finalized", "finalized", `{"slot":9,"confirmations":1,"err":null,"confirmationStatus":"confirmed"}`, TxPending},
		{"finalized", "finalized", `{"slot":9,"confirmations":null,"err":null,"confirmationStatus":"finalized"}`, TxLanded},
		{"rejected", "", `{"slot":9,"confirmations":1,"err":{"InstructionError":[0,{"Custom":1}]},"confirmationStatus":"confirmed"}`, TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := statusServer(t, tt.value)
			c := NewClient(Config{RPCURL: srv.URL, Commitment: tt.commitment}, nil, zerolog.Nop())

			got, err := c.SignatureStatus(context.Background(), sig.String())
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSignatureStatusRejectsMalformedSignature(t *testing.T) {
	c := NewClient(Config{RPCURL: "http://127.0.0.1:0"}, nil, zerolog.Nop())
	_, err := c.SignatureStatus(context.Background(), "not-a-signature")
	require.ErrorContains(t, err, "invalid signature")
}

func TestUnconfirmedErrorKeepsSignature(t *testing.T) {
	cause := errors.New("confirmation timeout after 1m0s")
	var err error = &UnconfirmedError{Signature: "5sig", Err: cause}

	var unconfirmed *UnconfirmedError
	require.True(t, errors.As(err, &unconfirmed))
	require.Equal(t, "5sig", unconfirmed.Signature)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrTxFailed)
}
