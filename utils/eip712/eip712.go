// Package eip712 builds and signs the EIP-712 digest of an EIP-3009
// TransferWithAuthorization message and recovers its signer.
package eip712

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-a2a/types"
)

// Domain is the EIP-712 domain of an EIP-3009 token.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// --- Type hashes (keccak256 of the type signature strings) ---
const (
	DomainType                    = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	TransferWithAuthorizationType = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"
)

var (
	domainTypeHash       = crypto.Keccak256Hash([]byte(DomainType))
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(TransferWithAuthorizationType))

	// secp256k1 n / 2; signatures with a larger s are malleable copies.
	secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)
)

var (
	ErrIncompleteDomain = errors.New("eip712: incomplete domain")
	ErrSignatureLength  = errors.New("eip712: signature must be 65 bytes")
	ErrMalleable        = errors.New("eip712: signature s value is not canonical")
)

// Authorization is the decoded form of types.EIP3009Authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// ParseAuthorization decodes and range-checks the wire authorization.
func ParseAuthorization(a types.EIP3009Authorization) (Authorization, error) {
	var out Authorization

	if !common.IsHexAddress(a.From) {
		return out, fmt.Errorf("invalid from address %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return out, fmt.Errorf("invalid to address %q", a.To)
	}
	out.From = common.HexToAddress(a.From)
	out.To = common.HexToAddress(a.To)

	var err error
	if out.Value, err = parseUint256(a.Value); err != nil {
		return out, fmt.Errorf("invalid value: %w", err)
	}
	if out.ValidAfter, err = parseUint256(a.ValidAfter); err != nil {
		return out, fmt.Errorf("invalid validAfter: %w", err)
	}
	if out.ValidBefore, err = parseUint256(a.ValidBefore); err != nil {
		return out, fmt.Errorf("invalid validBefore: %w", err)
	}
	if out.Nonce, err = HexToBytes32(a.Nonce); err != nil {
		return out, fmt.Errorf("invalid nonce: %w", err)
	}
	return out, nil
}

// Wire converts the authorization back into its JSON form.
func (a Authorization) Wire() types.EIP3009Authorization {
	return types.EIP3009Authorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       hexutil.Encode(a.Nonce[:]),
	}
}

// Digest is the EIP-712 hash the payer signs for this authorization.
func (a Authorization) Digest(d Domain) (common.Hash, error) {
	sep, err := DomainSeparator(d)
	if err != nil {
		return common.Hash{}, err
	}
	structHash := HashTransferWithAuthorizationStruct(a.From, a.To, a.Value, a.ValidAfter, a.ValidBefore, a.Nonce)
	return TypedDataHash(sep, structHash), nil
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil || d.VerifyingContract == (common.Address{}) {
		return common.Hash{}, ErrIncompleteDomain
	}

	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(d.ChainID.Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	), nil
}

// HashTransferWithAuthorizationStruct computes keccak256(
//
//	abi.encode(TRANSFER_WITH_AUTH_TYPEHASH, from, to, value, validAfter, validBefore, nonceBytes32)
//
// )
func HashTransferWithAuthorizationStruct(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		common.LeftPadBytes(from.Bytes(), 32),
		common.LeftPadBytes(to.Bytes(), 32),
		common.LeftPadBytes(value.Bytes(), 32),
		common.LeftPadBytes(validAfter.Bytes(), 32),
		common.LeftPadBytes(validBefore.Bytes(), 32),
		nonce[:],
	)
}

// TypedDataHash returns the final EIP-712 hash/digest to be signed/recovered:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// BuildTransferWithAuthDigest builds the digest for a wire authorization.
func BuildTransferWithAuthDigest(d Domain, auth types.EIP3009Authorization) (common.Hash, error) {
	a, err := ParseAuthorization(auth)
	if err != nil {
		return common.Hash{}, err
	}
	return a.Digest(d)
}

// SignDigest signs digest and returns r||s||v with v in {27, 28}.
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignAuthorization signs a wire authorization and returns the 0x-hex signature.
func SignAuthorization(d Domain, auth types.EIP3009Authorization, key *ecdsa.PrivateKey) (string, error) {
	digest, err := BuildTransferWithAuthDigest(d, auth)
	if err != nil {
		return "", err
	}
	sig, err := SignDigest(digest, key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RecoverSigner recovers the Ethereum address that signed the given digest.
// sig must be 65 bytes (R||S||V). V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrSignatureLength
	}

	// copy to avoid mutating caller slice
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, fmt.Errorf("eip712: invalid recovery id %d", sig[64])
	}
	if new(big.Int).SetBytes(s[32:64]).Cmp(secp256k1HalfN) > 0 {
		return common.Address{}, ErrMalleable
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("eip712: sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// DecodeSignature parses a 0x-hex 65-byte signature.
func DecodeSignature(sigHex string) ([]byte, error) {
	sig, err := hexutil.Decode(ensure0x(sigHex))
	if err != nil {
		return nil, fmt.Errorf("eip712: bad signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, ErrSignatureLength
	}
	return sig, nil
}

// SplitSignature returns the v, r, s arguments of transferWithAuthorization.
// v is normalized to 27/28.
func SplitSignature(sig []byte) (v uint8, r [32]byte, s [32]byte, err error) {
	if len(sig) != 65 {
		err = ErrSignatureLength
		return
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return
}

// HexToBytes32 converts a 0x-hex string of exactly 32 bytes.
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(ensure0x(hexStr))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// NewNonce returns 32 random bytes as 0x-hex.
func NewNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("eip712: read nonce: %w", err)
	}
	return hexutil.Encode(b[:]), nil
}

func parseUint256(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal integer", s)
	}
	if n.Sign() < 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("%q is out of uint256 range", s)
	}
	return n, nil
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
