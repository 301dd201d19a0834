package crypto

import (
	"crypto/aes"
	"errors"
)

// AES-XCBC-MAC 核心 (RFC 3566)
// K1 = AES_K(0x01^16), K2 = AES_K(0x02^16), K3 = AES_K(0x03^16)
// 完整块最后一块异或 K2，不满块补 0x80 0x00... 后异或 K3
func xcbcMAC(key []byte, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, errors.New("AES-XCBC 密钥必须是 16 字节")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	var k1, k2, k3 [16]byte
	fill := func(dst *[16]byte, b byte) {
		var in [16]byte
		for i := range in {
			in[i] = b
		}
		block.Encrypt(dst[:], in[:])
	}
	fill(&k1, 0x01)
	fill(&k2, 0x02)
	fill(&k3, 0x03)

	sub, err := aes.NewCipher(k1[:])
	if err != nil {
		return nil, err
	}

	var e [16]byte
	n := len(data)
	full := n / 16
	rem := n % 16
	if n > 0 && rem == 0 {
		full-- // 最后一个完整块单独处理
	}

	for i := 0; i < full; i++ {
		for j := 0; j < 16; j++ {
			e[j] ^= data[i*16+j]
		}
		sub.Encrypt(e[:], e[:])
	}

	var last [16]byte
	if n > 0 && rem == 0 {
		copy(last[:], data[full*16:])
		for j := 0; j < 16; j++ {
			last[j] ^= k2[j]
		}
	} else {
		copy(last[:], data[full*16:])
		last[rem] = 0x80
		for j := 0; j < 16; j++ {
			last[j] ^= k3[j]
		}
	}

	for j := 0; j < 16; j++ {
		e[j] ^= last[j]
	}
	out := make([]byte, 16)
	sub.Encrypt(out, e[:])
	return out, nil
}

// xcbcAdjustKey RFC 4434 4.1 节的密钥缩放规则:
// 短于 16 字节补零；长于 16 字节先用全零密钥做一次 XCBC
func xcbcAdjustKey(key []byte) []byte {
	switch {
	case len(key) == 16:
		return key
	case len(key) < 16:
		k := make([]byte, 16)
		copy(k, key)
		return k
	default:
		zero := make([]byte, 16)
		k, err := xcbcMAC(zero, key)
		if err != nil {
			return zero
		}
		return k
	}
}
