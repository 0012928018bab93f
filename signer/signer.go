// Package signer provides the two ways a payment transaction gets signed:
// autonomously with a held key, or by handing it to a wallet.
package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/builder"
)

// Signed is a transaction ready for broadcast.
type Signed struct {
	Transaction *solana.Transaction
	Signature   solana.Signature
	Payer       solana.PublicKey
}

// Signer signs payment transactions. Exactly one of the returned Signed or
// SignerSession is non-nil on success: custodial signers return the signed
// transaction, interactive ones a pending session.
type Signer interface {
	Mode() x402.SignMode
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, attempt *x402.PaymentAttempt, unsigned *builder.Unsigned) (*Signed, *x402.SignerSession, error)
}

// Custodial signs with a private key held in process. The key is read-only
// after construction.
type Custodial struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

// NewCustodial parses a base58-encoded 64-byte private key.
func NewCustodial(base58Key string) (*Custodial, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}
	return newCustodial(key)
}

// LoadCustodial reads a key from a solana-keygen JSON file.
func LoadCustodial(path string) (*Custodial, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}
	return newCustodial(key)
}

func newCustodial(key solana.PrivateKey) (*Custodial, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", x402.ErrInvalidKey, ed25519.PrivateKeySize, len(key))
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived, key) {
		return nil, fmt.Errorf("%w: public half does not match seed", x402.ErrInvalidKey)
	}
	return &Custodial{key: key, pub: key.PublicKey()}, nil
}

// Mode implements Signer.
func (c *Custodial) Mode() x402.SignMode { return x402.ModeCustodial }

// PublicKey implements Signer.
func (c *Custodial) PublicKey() solana.PublicKey { return c.pub }

// Sign implements Signer. The transaction shape is checked again before the
// key touches it.
func (c *Custodial) Sign(ctx context.Context, attempt *x402.PaymentAttempt, unsigned *builder.Unsigned) (*Signed, *x402.SignerSession, error) {
	if _, err := builder.CheckSingleTransfer(unsigned.Transaction); err != nil {
		return nil, nil, signError(x402.ErrCodeSignFailed, "refusing to sign", err)
	}
	if err := c.sign(unsigned.Transaction); err != nil {
		return nil, nil, signError(x402.ErrCodeSignFailed, "failed to sign transaction", err)
	}
	return &Signed{
		Transaction: unsigned.Transaction,
		Signature:   unsigned.Transaction.Signatures[0],
		Payer:       c.pub,
	}, nil, nil
}

// SignFunding signs a payee account creation paid by this key.
func (c *Custodial) SignFunding(ctx context.Context, tx *solana.Transaction) error {
	return c.sign(tx)
}

func (c *Custodial) sign(tx *solana.Transaction) error {
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(c.pub) {
		return fmt.Errorf("fee payer is not %s", c.pub)
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.pub) {
			return &c.key
		}
		return nil
	})
	return err
}

// EncodeTransaction base64-encodes a transaction in wire format. Missing
// signatures are encoded as zeroed slots for the wallet to fill.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	out := *tx
	if n := int(tx.Message.Header.NumRequiredSignatures); len(tx.Signatures) < n {
		out.Signatures = make([]solana.Signature, n)
		copy(out.Signatures, tx.Signatures)
	}
	raw, err := out.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 wire-format transaction.
func DecodeTransaction(b64 string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}

func signError(code, msg string, err error) *x402.PaymentError {
	return x402.NewPaymentError(x402.StageSign, code, msg, false, err)
}
