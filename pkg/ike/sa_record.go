package ike

import (
	"fmt"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// IkeSaRecord 一条 IKE SA 的密钥与计数状态
// IKE_SA_INIT 完成时创建；Rekey-IKE 完成时整体替换；关闭时销毁并清零
type IkeSaRecord struct {
	SpiI, SpiR  uint64
	IsLocalInit bool

	Proposal *ikev2.Proposal
	Keys     *ikev2.IKESAKeys

	PrfID      uint16
	EncrID     uint16
	EncrKeyLen int // bits
	IntegID    uint16

	prf   crypto.PRF
	enc   crypto.Encrypter
	integ crypto.IntegrityAlgorithm

	// 窗口为 1 的双向消息计数
	NextLocalMsgID  uint32 // 下一条本端请求的 ID
	NextRemoteMsgID uint32 // 期望的下一条对端请求 ID

	// INIT 交换的 nonce，AUTH octets 与 Child 派生需要
	NonceI, NonceR []byte

	// 入站 SKF 分片重组缓冲
	fragBuf *ikev2.FragmentBuffer

	released bool
}

// newIkeSaRecord 根据协商结果与密钥集构建记录
func newIkeSaRecord(spiI, spiR uint64, isLocalInit bool, prop *ikev2.Proposal, m *ikev2.MatchedAlgorithms, keys *ikev2.IKESAKeys, ni, nr []byte) (*IkeSaRecord, error) {
	prf, err := crypto.GetPRF(uint16(m.PRF))
	if err != nil {
		return nil, err
	}
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(m.Encr), int(m.EncrKeyLen))
	if err != nil {
		return nil, err
	}
	integ, err := crypto.GetIntegrityAlgorithm(uint16(m.Integ))
	if err != nil {
		return nil, err
	}

	return &IkeSaRecord{
		SpiI:        spiI,
		SpiR:        spiR,
		IsLocalInit: isLocalInit,
		Proposal:    prop,
		Keys:        keys,
		PrfID:       uint16(m.PRF),
		EncrID:      uint16(m.Encr),
		EncrKeyLen:  int(m.EncrKeyLen),
		IntegID:     uint16(m.Integ),
		prf:         prf,
		enc:         enc,
		integ:       integ,
		NonceI:      ni,
		NonceR:      nr,
		fragBuf:     ikev2.NewFragmentBuffer(),
	}, nil
}

// ikeKeyLens 协商算法决定的密钥切分长度 (加密密钥含 AEAD 盐)
func ikeKeyLens(enc crypto.Encrypter, integ crypto.IntegrityAlgorithm) (encKeyLen, integKeyLen int) {
	encKeyLen = enc.KeySize() + crypto.SaltSize(enc)
	if !enc.IsAEAD() {
		integKeyLen = integ.KeySize()
	}
	return
}

// outboundCipherState 本端发包用的方向性密钥
func (r *IkeSaRecord) outboundCipherState() *ikev2.SKCipherState {
	st := &ikev2.SKCipherState{Enc: r.enc, Integ: r.integ}
	if r.IsLocalInit {
		st.EncKey, st.IntegKey = r.Keys.SK_ei, r.Keys.SK_ai
	} else {
		st.EncKey, st.IntegKey = r.Keys.SK_er, r.Keys.SK_ar
	}
	return st
}

// inboundCipherState 对端发来的包用的方向性密钥
func (r *IkeSaRecord) inboundCipherState() *ikev2.SKCipherState {
	st := &ikev2.SKCipherState{Enc: r.enc, Integ: r.integ}
	if r.IsLocalInit {
		st.EncKey, st.IntegKey = r.Keys.SK_er, r.Keys.SK_ar
	} else {
		st.EncKey, st.IntegKey = r.Keys.SK_ei, r.Keys.SK_ai
	}
	return st
}

// localPrfKey 本端 AUTH 载荷的 PRF 密钥 (SK_pi 或 SK_pr)
func (r *IkeSaRecord) localPrfKey() []byte {
	if r.IsLocalInit {
		return r.Keys.SK_pi
	}
	return r.Keys.SK_pr
}

// remotePrfKey 对端 AUTH 载荷的 PRF 密钥
func (r *IkeSaRecord) remotePrfKey() []byte {
	if r.IsLocalInit {
		return r.Keys.SK_pr
	}
	return r.Keys.SK_pi
}

// Release 清零密钥。重复释放报错 (同一记录不可关闭两次)
func (r *IkeSaRecord) Release() error {
	if r.released {
		return fmt.Errorf("IKE SA 记录已释放 (spiI=%x)", r.SpiI)
	}
	r.released = true
	r.Keys.Zeroize()
	return nil
}

func (r *IkeSaRecord) String() string {
	return fmt.Sprintf("IkeSa(spiI=%016x spiR=%016x localInit=%v)", r.SpiI, r.SpiR, r.IsLocalInit)
}
