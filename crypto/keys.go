package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address represents the 20-byte identity of an Ethereum account or
// contract. The zero value is the all-zero address, which is reserved and
// never identifies a deployed entity. Addresses are comparable and hash by
// their raw bytes.
type Address struct {
	inner common.Address
}

// ParseAddress decodes a hex address string, requiring a correct EIP-55
// checksum.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("crypto: invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr.Hex() != s {
		return Address{}, fmt.Errorf("crypto: invalid checksum in address %q", s)
	}
	return Address{inner: addr}, nil
}

// AddressFromHex decodes a hex address string without validating its EIP-55
// checksum. Prefer ParseAddress for operator-supplied input.
func AddressFromHex(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("crypto: invalid address %q", s)
	}
	return Address{inner: common.HexToAddress(s)}, nil
}

// AddressFromBytes builds an address from its raw 20-byte representation.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != common.AddressLength {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes long, got %d", common.AddressLength, len(b))
	}
	return Address{inner: common.BytesToAddress(b)}, nil
}

// String returns the EIP-55 checksummed hex representation.
func (a Address) String() string {
	return a.inner.Hex()
}

// Bytes returns the raw 20-byte representation.
func (a Address) Bytes() []byte {
	return a.inner.Bytes()
}

// IsZero reports whether the address is the reserved all-zero address.
func (a Address) IsZero() bool {
	return a.inner == (common.Address{})
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a new random secp256k1 private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes restores a private key from its raw 32-byte
// representation.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, errors.New("crypto: private key must be 32 bytes long")
	}
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw 32-byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the account address derived from the private key.
func (k *PrivateKey) Address() Address {
	return k.PubKey().Address()
}

func (k *PublicKey) Address() Address {
	return Address{inner: crypto.PubkeyToAddress(*k.PublicKey)}
}
