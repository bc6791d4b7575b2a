package wallet

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"
)

// AddressDeriver derives per-order deposit addresses from an extended
// public key, for deployments that allocate addresses themselves
// instead of asking the processor. Addresses are bech32 witness-v0
// (p2wpkh) under the configured HRP.
type AddressDeriver struct {
	XPub string
	HRP  string
}

// Derive expects XPub at the external chain level (m/84'/0'/0'/0) and
// derives child index i.
func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("xpub is not configured")
	}
	if d.HRP == "" {
		return "", errors.New("bech32 hrp is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	compressed := pubKey.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	program := rip.Sum(nil)

	converted, err := bech32.ConvertBits(program, 8, 5, true)
	if err != nil {
		return "", err
	}
	// Witness version 0 leads the data part.
	data := make([]byte, 0, len(converted)+1)
	data = append(data, 0x00)
	data = append(data, converted...)
	return bech32.Encode(d.HRP, data)
}
