package ikev2

import (
	"encoding/binary"
	"errors"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// IKE SA 密钥材料 (RFC 7296 2.13 和 2.14 节)
type IKESAKeys struct {
	SK_d  []byte // 用于派生新密钥的密钥 (Child SA / Rekey)
	SK_ai []byte // 发起方完整性密钥
	SK_ar []byte // 响应方完整性密钥
	SK_ei []byte // 发起方加密密钥
	SK_er []byte // 响应方加密密钥
	SK_pi []byte // 发起方认证载荷密钥
	SK_pr []byte // 响应方认证载荷密钥
}

// Zeroize 清零全部密钥材料
func (k *IKESAKeys) Zeroize() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.SK_d, k.SK_ai, k.SK_ar, k.SK_ei, k.SK_er, k.SK_pi, k.SK_pr} {
		crypto.Zeroize(b)
	}
}

// Child SA 密钥材料 (RFC 7296 2.17 节)
type ChildSAKeys struct {
	EncrInit []byte // 发起方加密密钥
	AuthInit []byte // 发起方完整性密钥
	EncrResp []byte // 响应方加密密钥
	AuthResp []byte // 响应方完整性密钥
}

func (k *ChildSAKeys) Zeroize() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.EncrInit, k.AuthInit, k.EncrResp, k.AuthResp} {
		crypto.Zeroize(b)
	}
}

// ComputeSKEYSEED RFC 7296 2.14: SKEYSEED = prf(Ni | Nr, g^ir)
func ComputeSKEYSEED(prf crypto.PRF, ni, nr, dhShared []byte) []byte {
	seed := append(append([]byte{}, ni...), nr...)
	return prf.Compute(seed, dhShared)
}

// ComputeRekeySKEYSEED RFC 7296 2.18:
// SKEYSEED = prf(SK_d(old), g^ir(new) | Ni | Nr)
func ComputeRekeySKEYSEED(prf crypto.PRF, skDOld, dhShared, ni, nr []byte) []byte {
	data := make([]byte, 0, len(dhShared)+len(ni)+len(nr))
	data = append(data, dhShared...)
	data = append(data, ni...)
	data = append(data, nr...)
	return prf.Compute(skDOld, data)
}

// DeriveIKESAKeys 从 SKEYSEED 展开 IKE SA 密钥集
// {SK_d | SK_ai | SK_ar | SK_ei | SK_er | SK_pi | SK_pr}
//   = prf+(SKEYSEED, Ni | Nr | SPIi | SPIr)
func DeriveIKESAKeys(prf crypto.PRF, skeyseed, ni, nr []byte, spiI, spiR uint64, encKeyLen, integKeyLen int) (*IKESAKeys, error) {
	prfKeyLen := prf.KeyLen()
	totalLen := prfKeyLen*3 + integKeyLen*2 + encKeyLen*2

	seed := make([]byte, 0, len(ni)+len(nr)+16)
	seed = append(seed, ni...)
	seed = append(seed, nr...)
	seed = binary.BigEndian.AppendUint64(seed, spiI)
	seed = binary.BigEndian.AppendUint64(seed, spiR)

	keyMat, err := crypto.PrfPlus(prf, skeyseed, seed, totalLen)
	if err != nil {
		return nil, err
	}

	keys := &IKESAKeys{}
	cursor := 0
	take := func(n int) []byte {
		out := keyMat[cursor : cursor+n]
		cursor += n
		return out
	}

	keys.SK_d = take(prfKeyLen)
	if integKeyLen > 0 {
		keys.SK_ai = take(integKeyLen)
		keys.SK_ar = take(integKeyLen)
	}
	keys.SK_ei = take(encKeyLen)
	keys.SK_er = take(encKeyLen)
	keys.SK_pi = take(prfKeyLen)
	keys.SK_pr = take(prfKeyLen)

	return keys, nil
}

// DeriveChildSAKeys RFC 7296 2.17:
// KEYMAT = prf+(SK_d, Ni | Nr)，带 PFS 时 KEYMAT = prf+(SK_d, g^ir(new) | Ni | Nr)
// 按 {encr_i | auth_i | encr_r | auth_r} 顺序切分
func DeriveChildSAKeys(prf crypto.PRF, skD, dhShared, ni, nr []byte, encKeyLen, integKeyLen int) (*ChildSAKeys, error) {
	if len(skD) == 0 {
		return nil, errors.New("SK_d 不可用")
	}

	seed := make([]byte, 0, len(dhShared)+len(ni)+len(nr))
	seed = append(seed, dhShared...)
	seed = append(seed, ni...)
	seed = append(seed, nr...)

	totalLen := 2 * (encKeyLen + integKeyLen)
	keyMat, err := crypto.PrfPlus(prf, skD, seed, totalLen)
	if err != nil {
		return nil, err
	}

	return &ChildSAKeys{
		EncrInit: keyMat[:encKeyLen],
		AuthInit: keyMat[encKeyLen : encKeyLen+integKeyLen],
		EncrResp: keyMat[encKeyLen+integKeyLen : 2*encKeyLen+integKeyLen],
		AuthResp: keyMat[2*encKeyLen+integKeyLen:],
	}, nil
}
