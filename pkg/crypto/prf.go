package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
)

// PRF (伪随机函数) 接口
// IKE 的 PRF 既有 HMAC 族也有 AES128-XCBC (RFC 4434)，所以接口按
// "带密钥一次算完" 抽象，而不是暴露 hash.Hash
type PRF interface {
	// Compute 计算 PRF(key, data)
	Compute(key, data []byte) []byte
	// KeyLen 首选密钥长度 (SK_d / SK_p 的长度)
	KeyLen() int
	// OutputSize 单次输出长度
	OutputSize() int
}

type hmacPRF struct {
	newHash func() hash.Hash
	keyLen  int
	outLen  int
}

func (h *hmacPRF) Compute(key, data []byte) []byte {
	mac := hmac.New(h.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (h *hmacPRF) KeyLen() int     { return h.keyLen }
func (h *hmacPRF) OutputSize() int { return h.outLen }

// aes128XCBCPRF RFC 4434: AES-XCBC-PRF-128
// 与 MAC 不同，密钥长度不等于 16 时按 4.1 节规则缩放，输出不截断
type aes128XCBCPRF struct{}

func (p *aes128XCBCPRF) Compute(key, data []byte) []byte {
	out, err := xcbcMAC(xcbcAdjustKey(key), data)
	if err != nil {
		return make([]byte, 16)
	}
	return out
}

func (p *aes128XCBCPRF) KeyLen() int     { return 16 }
func (p *aes128XCBCPRF) OutputSize() int { return 16 }

var (
	PRF_HMAC_SHA1     = &hmacPRF{newHash: sha1.New, keyLen: 20, outLen: 20}
	PRF_HMAC_SHA2_256 = &hmacPRF{newHash: sha256.New, keyLen: 32, outLen: 32}
	PRF_HMAC_SHA2_384 = &hmacPRF{newHash: sha512.New384, keyLen: 48, outLen: 48}
	PRF_HMAC_SHA2_512 = &hmacPRF{newHash: sha512.New, keyLen: 64, outLen: 64}
	PRF_AES128_XCBC   = &aes128XCBCPRF{}
)

// RFC 7296 2.13 节. 生成密钥材料
// prf+ (K,S) = T1 | T2 | T3 | T4 | ...
// T1 = prf (K, S | 0x01)
// T2 = prf (K, T1 | S | 0x02)
// T3 = prf (K, T2 | S | 0x03)
func PrfPlus(prf PRF, key []byte, seed []byte, totalBytes int) ([]byte, error) {
	var result []byte
	var lastBlock []byte
	blockIndex := 1

	for len(result) < totalBytes {
		input := make([]byte, 0, len(lastBlock)+len(seed)+1)
		input = append(input, lastBlock...)
		input = append(input, seed...)
		input = append(input, byte(blockIndex))

		lastBlock = prf.Compute(key, input)
		result = append(result, lastBlock...)
		blockIndex++

		if blockIndex > 255 {
			return nil, errors.New("PRF+ 溢出: 块太多")
		}
	}

	return result[:totalBytes], nil
}

// GetPRF 根据 IKEv2 变换 ID 获取 PRF
func GetPRF(id uint16) (PRF, error) {
	switch id {
	case 2:
		return PRF_HMAC_SHA1, nil
	case 4:
		return PRF_AES128_XCBC, nil
	case 5:
		return PRF_HMAC_SHA2_256, nil
	case 6:
		return PRF_HMAC_SHA2_384, nil
	case 7:
		return PRF_HMAC_SHA2_512, nil
	default:
		return nil, errors.New("不支持的 PRF ID")
	}
}
