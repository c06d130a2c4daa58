package cosmos

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // cosmos account addresses are RIPEMD-160 digests

	"github.com/bitsongofficial/faucet/internal/address"
)

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrUnknownSigner   = errors.New("signer address not held by wallet")
)

// Account is a signing account exposed by an OfflineSigner.
type Account struct {
	Address string
	PubKey  []byte // 33-byte compressed secp256k1 key
}

// OfflineSigner signs SIGN_MODE_DIRECT sign docs without network access.
type OfflineSigner interface {
	Accounts() []Account
	SignDirect(ctx context.Context, signerAddress string, signDoc []byte) ([]byte, error)
}

// HDPath returns the BIP44 path used for the custodial account.
func HDPath(coinType string) string {
	return fmt.Sprintf("m/44'/%s'/0'/0/0", coinType)
}

// Wallet holds one secp256k1 key derived from a mnemonic.
type Wallet struct {
	key     *ecdsa.PrivateKey
	account Account
}

var _ OfflineSigner = (*Wallet)(nil)

// NewWalletFromMnemonic derives the key at hdPath and renders its address
// with the given bech32 prefix.
func NewWalletFromMnemonic(mnemonic, hdPath, prefix string) (*Wallet, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	path, err := accounts.ParseDerivationPath(hdPath)
	if err != nil {
		return nil, fmt.Errorf("parse hd path: %w", err)
	}

	ext, err := hdkeychain.NewMaster(bip39.NewSeed(mnemonic, ""), &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, index := range path {
		ext, err = ext.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", hdPath, err)
		}
	}

	priv, err := ext.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	key, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	pub := crypto.CompressPubkey(&key.PublicKey)
	addr, err := address.Encode(prefix, accountBytes(pub))
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}

	return &Wallet{
		key:     key,
		account: Account{Address: addr, PubKey: pub},
	}, nil
}

func (w *Wallet) Accounts() []Account {
	return []Account{w.account}
}

// SignDirect returns the 64-byte r||s signature over sha256(signDoc).
func (w *Wallet) SignDirect(_ context.Context, signerAddress string, signDoc []byte) ([]byte, error) {
	if signerAddress != w.account.Address {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, signerAddress)
	}
	digest := sha256.Sum256(signDoc)
	sig, err := crypto.Sign(digest[:], w.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig[:64], nil
}

func accountBytes(compressedPubKey []byte) []byte {
	sha := sha256.Sum256(compressedPubKey)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}
