// Copyright 2024 The cl8y-watchtower Authors
// This file is part of cl8y-watchtower.
//
// cl8y-watchtower is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cl8y-watchtower is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with cl8y-watchtower.  If not, see <http://www.gnu.org/licenses/>.

// Package signerkey loads the watchtower's signing key from something
// other than a raw hex env var: an scrypt-encrypted key file, grounded
// loosely on the teacher's own accounts/keystore KDF approach but with
// a single flat JSON envelope instead of the full Web3 Secret Storage
// format, since the watchtower only ever holds one dedicated signer key
// per chain rather than a directory of accounts. A BIP39 mnemonic is
// accepted as a second alternative.
package signerkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/scrypt"

	"github.com/PlasticDigits/cl8y-watchtower/internal/errs"
)

const (
	scryptN     = 1 << 18
	scryptR     = 8
	scryptP     = 1
	scryptKeyLen = 32
	saltLen     = 16
)

// EncryptedKeyFile is the on-disk JSON envelope produced by EncryptKeyFile
// and consumed by DecryptKeyFile.
type EncryptedKeyFile struct {
	SaltHex       string `json:"salt"`
	NonceHex      string `json:"nonce"`
	CiphertextHex string `json:"ciphertext"`
	ScryptN       int    `json:"scrypt_n"`
	ScryptR       int    `json:"scrypt_r"`
	ScryptP       int    `json:"scrypt_p"`
}

// EncryptKeyFile encrypts raw (a private key's bytes) under passphrase
// via scrypt + AES-GCM and writes the resulting envelope to path. Used
// by the operator tooling that provisions EVM_SIGNER_KEYFILE /
// COSMOS_SIGNER_KEYFILE; the watchtower process itself only decrypts.
func EncryptKeyFile(path string, raw []byte, passphrase string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return errs.Wrap(errs.ConfigError, err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return errs.Wrap(errs.ConfigError, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return errs.Wrap(errs.ConfigError, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errs.Wrap(errs.ConfigError, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return errs.Wrap(errs.ConfigError, err)
	}
	ciphertext := gcm.Seal(nil, nonce, raw, nil)

	enc := EncryptedKeyFile{
		SaltHex:       hex.EncodeToString(salt),
		NonceHex:      hex.EncodeToString(nonce),
		CiphertextHex: hex.EncodeToString(ciphertext),
		ScryptN:       scryptN,
		ScryptR:       scryptR,
		ScryptP:       scryptP,
	}
	data, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ConfigError, err)
	}
	return os.WriteFile(path, data, 0600)
}

// DecryptKeyFile reads and decrypts the envelope at path, returning the
// raw key bytes.
func DecryptKeyFile(path string, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err)
	}
	var enc EncryptedKeyFile
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("malformed key file: %w", err))
	}
	salt, err := hex.DecodeString(enc.SaltHex)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("malformed salt: %w", err))
	}
	nonce, err := hex.DecodeString(enc.NonceHex)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("malformed nonce: %w", err))
	}
	ciphertext, err := hex.DecodeString(enc.CiphertextHex)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("malformed ciphertext: %w", err))
	}

	n, r, p := enc.ScryptN, enc.ScryptR, enc.ScryptP
	if n == 0 {
		n, r, p = scryptN, scryptR, scryptP
	}
	key, err := scrypt.Key([]byte(passphrase), salt, n, r, p, scryptKeyLen)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err)
	}
	raw, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("decrypt failed, wrong passphrase or corrupt file: %w", err))
	}
	return raw, nil
}

// KeyFromMnemonic derives a 32-byte key from a BIP39 mnemonic and
// optional passphrase. This is single-account derivation, not a full
// BIP32 HD path walk: the watchtower only ever needs one dedicated
// signer key per chain, so the seed itself (truncated) is the key
// rather than a derived child at a coin-type path.
func KeyFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errs.New(errs.ConfigError, "invalid BIP39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	if len(seed) < scryptKeyLen {
		return nil, errs.New(errs.ConfigError, "derived seed shorter than required key length")
	}
	return seed[:scryptKeyLen], nil
}
