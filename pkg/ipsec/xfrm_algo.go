package ipsec

import (
	"fmt"
)

// IKEv2 算法 ID → Linux XFRM 内核算法名称的映射

// XFRMCryptAlgo 加密算法描述
type XFRMCryptAlgo struct {
	Name    string // 内核算法名称 (如 "cbc(aes)")
	KeyBits int
}

// XFRMAuthAlgo 完整性算法描述
type XFRMAuthAlgo struct {
	Name         string // 内核算法名称 (如 "hmac(sha256)")
	KeyBits      int
	TruncateBits int // 截断位数 (ICV 长度)
}

// XFRMAeadAlgo AEAD 算法描述
type XFRMAeadAlgo struct {
	Name    string // 内核算法名称 (如 "rfc4106(gcm(aes))")
	KeyBits int    // 含 4 字节盐 = 32 位
	ICVBits int
}

// IsAEADAlgorithm 判断 IKEv2 加密算法 ID 是否为 AEAD
func IsAEADAlgorithm(ikeAlgID uint16) bool {
	switch ikeAlgID {
	case 18, 19, 20: // ENCR_AES_GCM_8/12/16
		return true
	default:
		return false
	}
}

// CryptAlgoForID 非 AEAD 加密算法映射
func CryptAlgoForID(ikeAlgID uint16, keyLenBits int) (*XFRMCryptAlgo, error) {
	if keyLenBits == 0 {
		keyLenBits = 128
	}

	switch ikeAlgID {
	case 3: // ENCR_3DES
		return &XFRMCryptAlgo{Name: "cbc(des3_ede)", KeyBits: 192}, nil
	case 12: // ENCR_AES_CBC
		return &XFRMCryptAlgo{Name: "cbc(aes)", KeyBits: keyLenBits}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM 加密算法 ID: %d", ikeAlgID)
	}
}

// AuthAlgoForID 完整性算法映射
func AuthAlgoForID(ikeAlgID uint16) (*XFRMAuthAlgo, error) {
	switch ikeAlgID {
	case 2: // AUTH_HMAC_SHA1_96
		return &XFRMAuthAlgo{Name: "hmac(sha1)", KeyBits: 160, TruncateBits: 96}, nil
	case 5: // AUTH_AES_XCBC_96
		return &XFRMAuthAlgo{Name: "xcbc(aes)", KeyBits: 128, TruncateBits: 96}, nil
	case 12: // AUTH_HMAC_SHA2_256_128
		return &XFRMAuthAlgo{Name: "hmac(sha256)", KeyBits: 256, TruncateBits: 128}, nil
	case 13: // AUTH_HMAC_SHA2_384_192
		return &XFRMAuthAlgo{Name: "hmac(sha384)", KeyBits: 384, TruncateBits: 192}, nil
	case 14: // AUTH_HMAC_SHA2_512_256
		return &XFRMAuthAlgo{Name: "hmac(sha512)", KeyBits: 512, TruncateBits: 256}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM 完整性算法 ID: %d", ikeAlgID)
	}
}

// AeadAlgoForID AEAD 算法映射
// keyLenBits 是加密密钥位数 (不含盐)；内核需要 key = encKey + 4 字节盐
func AeadAlgoForID(ikeAlgID uint16, keyLenBits int) (*XFRMAeadAlgo, error) {
	if keyLenBits == 0 {
		keyLenBits = 128
	}

	switch ikeAlgID {
	case 18: // ENCR_AES_GCM_8
		return &XFRMAeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: keyLenBits + 32, ICVBits: 64}, nil
	case 19: // ENCR_AES_GCM_12
		return &XFRMAeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: keyLenBits + 32, ICVBits: 96}, nil
	case 20: // ENCR_AES_GCM_16
		return &XFRMAeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: keyLenBits + 32, ICVBits: 128}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM AEAD 算法 ID: %d", ikeAlgID)
	}
}
