package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"
	"errors"
)

// Encrypter 加密接口
// 非 AEAD 算法忽略 aad，完整性由 IntegrityAlgorithm 单独覆盖；
// AEAD 算法把 ICV 附在密文尾部，长度为 ICVSize()
type Encrypter interface {
	Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error)
	Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error)
	IVSize() int
	BlockSize() int
	KeySize() int // 密钥长度 (不含盐)
	ICVSize() int // AEAD 的 ICV 长度；非 AEAD 为 0
	IsAEAD() bool
}

// 3DES-CBC
type tripleDESCBC struct{}

func (e *tripleDESCBC) IVSize() int    { return des.BlockSize }
func (e *tripleDESCBC) BlockSize() int { return des.BlockSize }
func (e *tripleDESCBC) KeySize() int   { return 24 }
func (e *tripleDESCBC) ICVSize() int   { return 0 }
func (e *tripleDESCBC) IsAEAD() bool   { return false }

func (e *tripleDESCBC) Encrypt(plaintext, key, iv, aad []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%des.BlockSize != 0 {
		return nil, errors.New("明文未对齐块")
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func (e *tripleDESCBC) Decrypt(ciphertext, key, iv, aad []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%des.BlockSize != 0 {
		return nil, errors.New("密文未对齐块")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// AES-CBC
type aesCBC struct {
	keySize int
}

func (e *aesCBC) IVSize() int    { return aes.BlockSize }
func (e *aesCBC) BlockSize() int { return aes.BlockSize }
func (e *aesCBC) KeySize() int   { return e.keySize }
func (e *aesCBC) ICVSize() int   { return 0 }
func (e *aesCBC) IsAEAD() bool   { return false }

func (e *aesCBC) Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// 填充由调用者处理，这里要求块对齐
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.New("明文未对齐块")
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

func (e *aesCBC) Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("密文未对齐块")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// AES-GCM (RFC 5282/4106)
// 密钥结构: [密钥 (16/24/32 字节) | 盐 (4 字节)]，nonce = 盐 + 8 字节 IV
type aesGCM struct {
	icvSize int
	keySize int
}

func (e *aesGCM) IVSize() int    { return 8 }
func (e *aesGCM) BlockSize() int { return 1 } // 流式工作，SK 载荷无需块对齐填充
func (e *aesGCM) KeySize() int   { return e.keySize }
func (e *aesGCM) ICVSize() int   { return e.icvSize }
func (e *aesGCM) IsAEAD() bool   { return true }

func (e *aesGCM) newGCM(key []byte) (cipher.AEAD, []byte, error) {
	if len(key) < 4 {
		return nil, nil, errors.New("GCM 盐的密钥太短")
	}
	realKey := key[:len(key)-4]
	salt := key[len(key)-4:]

	block, err := aes.NewCipher(realKey)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 12)
	if err != nil {
		return nil, nil, err
	}
	return gcm, salt, nil
}

func (e *aesGCM) Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	gcm, salt, err := e.newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := append(append([]byte{}, salt...), iv...)
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	if e.icvSize < 16 {
		// 截断 ICV 的变体 (GCM-8/12): 保留完整密文，截断 tag 尾部
		sealed = sealed[:len(sealed)-(16-e.icvSize)]
	}
	return sealed, nil
}

func (e *aesGCM) Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	gcm, salt, err := e.newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := append(append([]byte{}, salt...), iv...)

	if e.icvSize == 16 {
		return gcm.Open(nil, nonce, ciphertext, aad)
	}

	// 截断 tag 无法直接 Open: 先用 CTR 恢复明文，再重新 Seal 比较 tag 前缀
	if len(ciphertext) < e.icvSize {
		return nil, errors.New("密文对于 ICV 来说太短")
	}
	ct := ciphertext[:len(ciphertext)-e.icvSize]
	tag := ciphertext[len(ciphertext)-e.icvSize:]

	realKey := key[:len(key)-4]
	block, err := aes.NewCipher(realKey)
	if err != nil {
		return nil, err
	}
	// GCM 的密文密钥流从计数器 2 开始 (J0+1)
	ctrIV := make([]byte, 16)
	copy(ctrIV, nonce)
	ctrIV[15] = 2
	plaintext := make([]byte, len(ct))
	cipher.NewCTR(block, ctrIV).XORKeyStream(plaintext, ct)

	expected := gcm.Seal(nil, nonce, plaintext, aad)
	fullTag := expected[len(expected)-16:]
	if subtle.ConstantTimeCompare(fullTag[:e.icvSize], tag) != 1 {
		return nil, errors.New("GCM ICV 校验失败")
	}
	return plaintext, nil
}

// GetEncrypter 根据 IKEv2 变换 ID 获取加密器
func GetEncrypter(id uint16) (Encrypter, error) {
	return GetEncrypterWithKeyLen(id, 0)
}

func GetEncrypterWithKeyLen(id uint16, keyLenBits int) (Encrypter, error) {
	keySize := 16
	if keyLenBits != 0 {
		if keyLenBits%8 != 0 {
			return nil, errors.New("无效的密钥长度")
		}
		keySize = keyLenBits / 8
	}

	switch id {
	case 3: // ENCR_3DES (固定 192 位)
		return &tripleDESCBC{}, nil
	case 12: // ENCR_AES_CBC
		return &aesCBC{keySize: keySize}, nil
	case 18: // ENCR_AES_GCM_8
		return &aesGCM{icvSize: 8, keySize: keySize}, nil
	case 19: // ENCR_AES_GCM_12
		return &aesGCM{icvSize: 12, keySize: keySize}, nil
	case 20: // ENCR_AES_GCM_16
		return &aesGCM{icvSize: 16, keySize: keySize}, nil
	default:
		return nil, errors.New("不支持的加密算法")
	}
}

// SaltSize AEAD 密钥尾部的盐长度
func SaltSize(enc Encrypter) int {
	if enc.IsAEAD() {
		return 4
	}
	return 0
}
