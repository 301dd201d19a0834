package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
)

// IntegrityAlgorithm 完整性算法接口
type IntegrityAlgorithm interface {
	// Compute 计算 MAC (已截断)
	Compute(key, data []byte) []byte
	// Verify 验证 MAC
	Verify(key, data, expectedMAC []byte) bool
	// Output 长度
	OutputSize() int
	// Key 长度
	KeySize() int
}

type hmacInteg struct {
	newHash func() hash.Hash
	keySize int
	outSize int
}

func (h *hmacInteg) Compute(key, data []byte) []byte {
	mac := hmac.New(h.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)[:h.outSize]
}

func (h *hmacInteg) Verify(key, data, expectedMAC []byte) bool {
	return hmac.Equal(h.Compute(key, data), expectedMAC)
}

func (h *hmacInteg) OutputSize() int { return h.outSize }
func (h *hmacInteg) KeySize() int    { return h.keySize }

// AES-XCBC-96 (RFC 3566): 16 字节密钥，MAC 截断到 96 位
type aesXCBC96 struct{}

func (a *aesXCBC96) Compute(key, data []byte) []byte {
	out, err := xcbcMAC(key, data)
	if err != nil {
		return make([]byte, 12)
	}
	return out[:12]
}

func (a *aesXCBC96) Verify(key, data, expectedMAC []byte) bool {
	return hmac.Equal(a.Compute(key, data), expectedMAC)
}

func (a *aesXCBC96) OutputSize() int { return 12 }
func (a *aesXCBC96) KeySize() int    { return 16 }

// 空完整性算法 (用于 AEAD)
type nullIntegrity struct{}

func (h *nullIntegrity) Compute(key, data []byte) []byte   { return nil }
func (h *nullIntegrity) Verify(key, data, mac []byte) bool { return true }
func (h *nullIntegrity) OutputSize() int                   { return 0 }
func (h *nullIntegrity) KeySize() int                      { return 0 }

// GetIntegrityAlgorithm 根据 IKEv2 变换 ID 获取完整性算法
func GetIntegrityAlgorithm(id uint16) (IntegrityAlgorithm, error) {
	switch id {
	case 0: // AUTH_NONE
		return &nullIntegrity{}, nil
	case 2: // AUTH_HMAC_SHA1_96
		return &hmacInteg{newHash: sha1.New, keySize: 20, outSize: 12}, nil
	case 5: // AUTH_AES_XCBC_96
		return &aesXCBC96{}, nil
	case 12: // AUTH_HMAC_SHA2_256_128
		return &hmacInteg{newHash: sha256.New, keySize: 32, outSize: 16}, nil
	case 13: // AUTH_HMAC_SHA2_384_192
		return &hmacInteg{newHash: sha512.New384, keySize: 48, outSize: 24}, nil
	case 14: // AUTH_HMAC_SHA2_512_256
		return &hmacInteg{newHash: sha512.New, keySize: 64, outSize: 32}, nil
	default:
		return nil, errors.New("不支持的完整性算法")
	}
}
