// Package walletcrypto is the node's signature capability: ECDSA over
// secp256k1 using Bitcoin's compact, recoverable signature encoding, so a
// signer never has to ship its public key alongside the signature.
package walletcrypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Params is the address network used for every Staeon address. Mainnet
// P2PKH addresses happen to start with "1", which is exactly the address
// class spec.md restricts transactions to.
var Params = &chaincfg.MainNetParams

var (
	ErrBadWIF       = errors.New("walletcrypto: invalid WIF private key")
	ErrBadSignature = errors.New("walletcrypto: malformed signature")
	ErrRecoverFail  = errors.New("walletcrypto: could not recover public key")
)

// Key wraps a decoded WIF private key for repeated signing.
type Key struct {
	priv       *btcec.PrivateKey
	compressed bool
}

// LoadWIF decodes a WIF-encoded private key for the mainnet address class.
func LoadWIF(wif string) (*Key, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWIF, err)
	}
	if !decoded.IsForNet(Params) {
		return nil, fmt.Errorf("%w: wrong network", ErrBadWIF)
	}
	return &Key{priv: decoded.PrivKey, compressed: decoded.CompressPubKey}, nil
}

// Address derives the base58check P2PKH address for this key.
func (k *Key) Address() (string, error) {
	return PubKeyToAddress(k.priv.PubKey(), k.compressed)
}

// Sign produces a base64-encoded compact signature over msg. The recovery
// byte embedded in the compact signature lets Recover extract the signer's
// public key without it being transmitted separately.
func (k *Key) Sign(msg []byte) (string, error) {
	return Sign(msg, k.priv, k.compressed)
}

// Sign is the free-function form of Key.Sign, for callers holding a raw
// private key instead of a loaded Key (e.g. tests).
func Sign(msg []byte, priv *btcec.PrivateKey, compressed bool) (string, error) {
	hash := chainhash.HashB(msg)
	sig := btcecdsa.SignCompact(priv, hash, compressed)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Recover extracts the signer's public key from a base64 compact signature
// over msg. It does not by itself prove anything about addresses — callers
// must compare PubKeyToAddress(result) against the claimed signer.
func Recover(msg []byte, sigB64 string) (*btcec.PublicKey, bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	hash := chainhash.HashB(msg)
	pub, wasCompressed, err := btcecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRecoverFail, err)
	}
	return pub, wasCompressed, nil
}

// Verify checks that sig is a valid compact signature over msg that
// recovers to pubkey. A single-bit mutation in msg or sig changes the
// SHA-256 hash or the recovered curve point and breaks the comparison.
func Verify(msg []byte, sigB64 string, pubkey *btcec.PublicKey) bool {
	recovered, _, err := Recover(msg, sigB64)
	if err != nil {
		return false
	}
	return recovered.IsEqual(pubkey)
}

// PubKeyToAddress encodes a public key as a base58check P2PKH address
// belonging to the "1" address class.
func PubKeyToAddress(pub *btcec.PublicKey, compressed bool) (string, error) {
	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	hash160 := btcutil.Hash160(serialized)
	addr, err := btcutil.NewAddressPubKeyHash(hash160, Params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// IsClass1Address reports whether addr decodes as a valid base58check
// address of the "1" (P2PKH, mainnet) class, per spec.md §3.
func IsClass1Address(addr string) bool {
	if len(addr) < 25 || len(addr) > 35 {
		return false
	}
	decoded, err := btcutil.DecodeAddress(addr, Params)
	if err != nil {
		return false
	}
	_, ok := decoded.(*btcutil.AddressPubKeyHash)
	return ok
}

// RecoverAndVerifyAddress recovers the signer of msg/sig and confirms the
// recovered key encodes to claimedAddress. This is the single call most
// input-signature validation needs: it folds Recover + PubKeyToAddress +
// Verify into the one check spec.md §3 actually requires.
func RecoverAndVerifyAddress(msg []byte, sigB64, claimedAddress string) bool {
	pub, compressed, err := Recover(msg, sigB64)
	if err != nil {
		return false
	}
	addr, err := PubKeyToAddress(pub, compressed)
	if err != nil {
		return false
	}
	if addr != claimedAddress {
		return false
	}
	return Verify(msg, sigB64, pub)
}
