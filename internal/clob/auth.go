package clob

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// L1 auth: EIP-712 "ClobAuth" signature over (address, timestamp, nonce).

const clobAuthMessage = "This message attests that I control the given wallet"

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	clobAuthTypeHash     = crypto.Keccak256Hash([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	clobAuthNameHash     = crypto.Keccak256Hash([]byte("ClobAuthDomain"))
	clobAuthVersionHash  = crypto.Keccak256Hash([]byte("1"))
	clobAuthMessageHash  = crypto.Keccak256Hash([]byte(clobAuthMessage))

	bytes32Ty = mustABIType("bytes32")
	addressTy = mustABIType("address")
	uint256Ty = mustABIType("uint256")
)

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

func clobAuthDomainSeparator(chainID int64) (common.Hash, error) {
	encoded, err := abi.Arguments{{Type: bytes32Ty}, {Type: bytes32Ty}, {Type: bytes32Ty}, {Type: uint256Ty}}.
		Pack(eip712DomainTypeHash, clobAuthNameHash, clobAuthVersionHash, big.NewInt(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func clobAuthDigest(signer common.Address, chainID, timestamp int64, nonce uint64) ([]byte, error) {
	domain, err := clobAuthDomainSeparator(chainID)
	if err != nil {
		return nil, err
	}
	// string members are hashed before encoding
	encoded, err := abi.Arguments{{Type: bytes32Ty}, {Type: addressTy}, {Type: bytes32Ty}, {Type: uint256Ty}, {Type: bytes32Ty}}.
		Pack(
			clobAuthTypeHash,
			signer,
			crypto.Keccak256Hash([]byte(strconv.FormatInt(timestamp, 10))),
			new(big.Int).SetUint64(nonce),
			clobAuthMessageHash,
		)
	if err != nil {
		return nil, err
	}
	structHash := crypto.Keccak256Hash(encoded)

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domain.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256(raw), nil
}

// signClobAuth returns the 0x-prefixed 65-byte L1 signature (v in {27,28}).
func signClobAuth(pk *ecdsa.PrivateKey, signer common.Address, chainID, timestamp int64, nonce uint64) (string, error) {
	digest, err := clobAuthDigest(signer, chainID, timestamp, nonce)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, pk)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}

// L2 auth: HMAC-SHA256 over timestamp+method+path+body keyed by the API secret.

// normalizeSecret accepts base64url secrets, drops stray characters and
// restores padding, as the reference clients do.
func normalizeSecret(secret string) string {
	secret = strings.NewReplacer("-", "+", "_", "/").Replace(strings.TrimSpace(secret))
	b := make([]byte, 0, len(secret)+3)
	for i := 0; i < len(secret); i++ {
		c := secret[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '+' || c == '/' || c == '=' {
			b = append(b, c)
		}
	}
	for len(b)%4 != 0 {
		b = append(b, '=')
	}
	return string(b)
}

func signHMAC(secret string, timestamp int64, method, requestPath string, body []byte) (string, error) {
	key, err := base64.StdEncoding.DecodeString(normalizeSecret(secret))
	if err != nil {
		return "", fmt.Errorf("decode base64 secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(requestPath))
	mac.Write(body)
	// url-safe alphabet, padding kept
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *Client) l1Headers(timestamp int64, nonce uint64) (http.Header, error) {
	sig, err := signClobAuth(c.privateKey, c.signer, c.chainID, timestamp, nonce)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, 4)
	h.Set("POLY_ADDRESS", c.signer.Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	h.Set("POLY_NONCE", strconv.FormatUint(nonce, 10))
	return h, nil
}

func (c *Client) l2Headers(timestamp int64, method, requestPath string, body []byte) (http.Header, error) {
	creds := c.apiCreds()
	if creds == nil {
		return nil, ErrAPICredsMissing
	}
	sig, err := signHMAC(creds.Secret, timestamp, method, requestPath, body)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, 5)
	h.Set("POLY_ADDRESS", c.signer.Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	h.Set("POLY_API_KEY", creds.Key)
	h.Set("POLY_PASSPHRASE", creds.Passphrase)
	return h, nil
}
