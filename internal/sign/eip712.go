// Package sign produces the EIP-712 withdrawal attestations the on-chain
// verifier checks. The hashing must match the contract bit-for-bit: any
// drift in the type strings or field order makes every signature invalid.
package sign

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	withdrawalTypeHash = crypto.Keccak256Hash(
		[]byte("Withdrawal(address user,uint256 amount,uint256 nonce,uint256 deadline,bytes32 merkleRoot)"))
)

// Domain identifies the verifying contract per EIP-712.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash[:],
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(big.NewInt(d.ChainID).Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// Withdrawal is the typed structure bound by a withdrawal authorization.
type Withdrawal struct {
	User       common.Address
	Amount     int64 // quote scale
	Nonce      uint64
	Deadline   int64 // unix seconds
	MerkleRoot common.Hash
}

func (w Withdrawal) structHash() common.Hash {
	return crypto.Keccak256Hash(
		withdrawalTypeHash[:],
		common.LeftPadBytes(w.User.Bytes(), 32),
		common.LeftPadBytes(big.NewInt(w.Amount).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(w.Nonce).Bytes(), 32),
		common.LeftPadBytes(big.NewInt(w.Deadline).Bytes(), 32),
		w.MerkleRoot[:],
	)
}

// Digest returns the final EIP-712 signing hash:
// keccak256("\x19\x01" ++ domainSeparator ++ structHash).
func Digest(d Domain, w Withdrawal) common.Hash {
	sh := w.structHash()
	sep := d.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], sh[:])
}

// Signer holds the service attestation key and signs withdrawal digests
// with secp256k1, producing the 65-byte [R || S || V] signature the
// contract's ecrecover expects (V in {27, 28}).
type Signer struct {
	domain Domain
	key    *ecdsa.PrivateKey
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(domain Domain, hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse attestation key: %w", err)
	}
	return &Signer{domain: domain, key: key}, nil
}

// Address returns the attestation key's address (the signer the contract
// trusts).
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Domain returns the signer's EIP-712 domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// Sign produces the signature over the withdrawal's EIP-712 digest.
func (s *Signer) Sign(w Withdrawal) ([]byte, error) {
	digest := Digest(s.domain, w)
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("sign withdrawal: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that signed the withdrawal, for verification
// in tests and at issuance time.
func Recover(d Domain, w Withdrawal, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	digest := Digest(d, w)
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
