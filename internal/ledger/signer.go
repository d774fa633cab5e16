package ledger

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Signer 为载荷生成签名串
type Signer interface {
	Sign(payload []byte) (string, error)
}

// DigestSigner BLAKE2b-256 内容摘要，作为完整性标记与幂等键
type DigestSigner struct{}

// Sign 返回十六进制摘要
func (DigestSigner) Sign(payload []byte) (string, error) {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// KeyedDigestSigner 带密钥的 BLAKE2b-256 摘要（MAC）
type KeyedDigestSigner struct {
	Key []byte
}

// Sign 返回十六进制 MAC
func (s KeyedDigestSigner) Sign(payload []byte) (string, error) {
	h, err := blake2b.New256(s.Key)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
