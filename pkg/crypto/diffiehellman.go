package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// RFC 2409 / RFC 3526 模指数 (MODP) Diffie-Hellman 组

var (
	// 组 2: 1024 位 MODP 组 (RFC 2409 6.2 节)
	prime1024, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)
	// 组 14: 2048 位 MODP 组 (RFC 3526 3 节)
	prime2048, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
	gen2         = big.NewInt(2)
)

// DH 组 ID (IANA)
const (
	DHGroupNone    uint16 = 0
	DHGroup1024    uint16 = 2
	DHGroup2048    uint16 = 14
)

type DiffieHellman struct {
	Group      uint16
	PrivateKey *big.Int
	PublicKey  *big.Int
	SharedKey  []byte
	P          *big.Int
	G          *big.Int
}

func NewDiffieHellman(group uint16) (*DiffieHellman, error) {
	dh := &DiffieHellman{Group: group}

	switch group {
	case DHGroup1024:
		dh.P = prime1024
		dh.G = gen2
	case DHGroup2048:
		dh.P = prime2048
		dh.G = gen2
	default:
		return nil, errors.New("不支持的 DH 组")
	}

	return dh, nil
}

func (dh *DiffieHellman) GenerateKey() error {
	// 私钥取 [0, P)。RFC 建议长度 >= 2 倍组强度，这里直接取组宽度
	var err error
	dh.PrivateKey, err = rand.Int(rand.Reader, dh.P)
	if err != nil {
		return err
	}

	dh.PublicKey = new(big.Int).Exp(dh.G, dh.PrivateKey, dh.P)
	return nil
}

// KeyLen 公钥/共享密钥的字节长度 (P 的宽度)
func (dh *DiffieHellman) KeyLen() int {
	return (dh.P.BitLen() + 7) / 8
}

func (dh *DiffieHellman) ComputeSharedSecret(peerPubKeyBytes []byte) ([]byte, error) {
	peerPubKey := new(big.Int).SetBytes(peerPubKeyBytes)

	// 验证对端密钥: 1 < peer < P-1
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(dh.P, one)
	if peerPubKey.Cmp(one) <= 0 || peerPubKey.Cmp(pMinusOne) >= 0 {
		return nil, errors.New("无效的对端公钥")
	}

	secret := new(big.Int).Exp(peerPubKey, dh.PrivateKey, dh.P)

	// 左侧填充零以匹配载荷长度
	dh.SharedKey = leftPad(secret.Bytes(), dh.KeyLen())
	return dh.SharedKey, nil
}

func (dh *DiffieHellman) PublicKeyBytes() []byte {
	return leftPad(dh.PublicKey.Bytes(), dh.KeyLen())
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
