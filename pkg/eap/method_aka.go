package eap

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sim"
	"go.uber.org/zap"
)

// akaMethod EAP-AKA (RFC 4187) 与 EAP-AKA' (RFC 5448) 的方法子状态
// 二者共用挑战流程，差异在 AT_KDF/CK'/IK' 派生与 MAC 哈希
type akaMethod struct {
	cfg     *Config
	isPrime bool
	log     *zap.Logger

	msk, emsk []byte
	hasKeys   bool

	// 挑战中 AUTN 的前 6 字节 (SQN ⊕ AK)，AKA' 的 CK'/IK' KDF 输入
	lastAutnSqnXorAk []byte
}

func newAkaMethod(cfg *Config, isPrime bool, log *zap.Logger) *akaMethod {
	return &akaMethod{cfg: cfg, isPrime: isPrime, log: log}
}

func (a *akaMethod) typeCode() uint8 {
	if a.isPrime {
		return TypeAKAPrime
	}
	return TypeAKA
}

func (a *akaMethod) keys() (msk, emsk []byte, ok bool) {
	return a.msk, a.emsk, a.hasKeys
}

func (a *akaMethod) process(pkt *Packet) ([]byte, error) {
	switch pkt.Subtype {
	case SubtypeIdentity:
		return a.respondIdentity(pkt)
	case SubtypeChallenge:
		return a.respondChallenge(pkt)
	case SubtypeNotification:
		return a.respondNotification(pkt)
	default:
		return nil, fmt.Errorf("%w: AKA 子类型 %d", ErrInvalidRequest, pkt.Subtype)
	}
}

// respondIdentity AKA-Identity 请求 (AT_ANY_ID_REQ / AT_FULLAUTH_ID_REQ /
// AT_PERMANENT_ID_REQ) 统一回完整身份
func (a *akaMethod) respondIdentity(pkt *Packet) ([]byte, error) {
	atID := NewLVAttribute(AT_IDENTITY, uint16(len(a.cfg.Identity)), a.cfg.Identity)
	resp := &Packet{
		Code:       CodeResponse,
		Identifier: pkt.Identifier,
		Type:       a.typeCode(),
		Subtype:    SubtypeIdentity,
		Data:       atID.Encode(),
	}
	return resp.Encode(), nil
}

func (a *akaMethod) respondNotification(pkt *Packet) ([]byte, error) {
	resp := &Packet{
		Code:       CodeResponse,
		Identifier: pkt.Identifier,
		Type:       a.typeCode(),
		Subtype:    SubtypeNotification,
	}
	return resp.Encode(), nil
}

func (a *akaMethod) respondChallenge(pkt *Packet) ([]byte, error) {
	attrs, err := ParseAttributes(pkt.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	atRand, ok1 := attrs[AT_RAND]
	atAutn, ok2 := attrs[AT_AUTN]
	atMac, ok3 := attrs[AT_MAC]
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: AKA 挑战缺少 RAND/AUTN/MAC", ErrInvalidRequest)
	}

	randVal, err := AttrTail16(atRand.Value)
	if err != nil {
		return nil, err
	}
	autnVal, err := AttrTail16(atAutn.Value)
	if err != nil {
		return nil, err
	}
	recvMac, err := AttrTail16(atMac.Value)
	if err != nil {
		return nil, err
	}

	a.lastAutnSqnXorAk = append([]byte(nil), autnVal[:6]...)

	result, err := a.cfg.Provider.AuthenticateAka(randVal, autnVal)
	if err != nil {
		if errors.Is(err, sim.ErrSyncFailure) && result != nil {
			a.log.Warn("AKA SQN 不同步，发送 Sync-Failure")
			return a.buildSyncFailure(pkt.Identifier, result.AUTS), nil
		}
		a.log.Warn("SIM AKA 鉴权失败，发送 Authentication-Reject", logger.Err(err))
		reject := &Packet{
			Code:       CodeResponse,
			Identifier: pkt.Identifier,
			Type:       a.typeCode(),
			Subtype:    SubtypeAuthReject,
		}
		return reject.Encode(), nil
	}

	kAut, msk, emsk, err := a.deriveKeys(result, attrs)
	if err != nil {
		return nil, err
	}

	// 验证请求的 AT_MAC
	raw := pkt.Encode()
	if err := verifyAttrMAC(a.isPrime, raw, pkt.Data, kAut, recvMac, nil); err != nil {
		return nil, err
	}

	a.msk = msk
	a.emsk = emsk
	a.hasKeys = true

	// 响应: AT_RES + AT_MAC
	var respAttrs []byte
	atRes := NewLVAttribute(AT_RES, uint16(len(result.RES)*8), result.RES)
	respAttrs = append(respAttrs, atRes.Encode()...)

	macOffset := len(respAttrs)
	macAttr := &Attribute{Type: AT_MAC, Value: make([]byte, 18)}
	respAttrs = append(respAttrs, macAttr.Encode()...)

	resp := &Packet{
		Code:       CodeResponse,
		Identifier: pkt.Identifier,
		Type:       a.typeCode(),
		Subtype:    SubtypeChallenge,
		Data:       respAttrs,
	}
	out := resp.Encode()

	// MAC 覆盖整个 EAP 包 (MAC 区为零)
	mac := computeAttrMAC(a.isPrime, kAut, out, nil)
	copy(out[8+macOffset+4:], mac)

	return out, nil
}

func (a *akaMethod) buildSyncFailure(identifier uint8, auts []byte) []byte {
	atAuts := &Attribute{Type: AT_AUTS, Value: auts}
	resp := &Packet{
		Code:       CodeResponse,
		Identifier: identifier,
		Type:       a.typeCode(),
		Subtype:    SubtypeSyncFailure,
		Data:       atAuts.Encode(),
	}
	return resp.Encode()
}

// deriveKeys 产出 (K_aut, MSK, EMSK)
// AKA  (RFC 4187): MK = SHA1(Identity|IK|CK)，FIPS 186-2 PRF 展开
// AKA' (RFC 5448): CK'/IK' 经网络名称 KDF，MK = PRF'(IK'|CK', "EAP-AKA'"|Identity)
func (a *akaMethod) deriveKeys(result *sim.AkaResult, attrs map[uint8]*Attribute) (kAut, msk, emsk []byte, err error) {
	identity := a.cfg.Identity

	if !a.isPrime {
		h := sha1.New()
		h.Write(identity)
		h.Write(result.IK)
		h.Write(result.CK)
		mk := h.Sum(nil)

		keyMat := crypto.NewFIPS1862PRFSHA1(mk).Bytes(nil, 16+16+64+64)
		return keyMat[16:32], keyMat[32:96], keyMat[96:160], nil
	}

	// AKA': AT_KDF 必须协商为 1 (HMAC-SHA-256)
	atKdf, ok := attrs[AT_KDF]
	if !ok || len(atKdf.Value) < 2 || binary.BigEndian.Uint16(atKdf.Value[:2]) != 1 {
		return nil, nil, nil, fmt.Errorf("%w: AKA' KDF 协商失败", ErrInvalidRequest)
	}
	atKdfInput, ok := attrs[AT_KDF_INPUT]
	if !ok || len(atKdfInput.Value) < 2 {
		return nil, nil, nil, fmt.Errorf("%w: AKA' 缺少网络名称", ErrInvalidRequest)
	}
	nameLen := int(binary.BigEndian.Uint16(atKdfInput.Value[:2]))
	if 2+nameLen > len(atKdfInput.Value) {
		return nil, nil, nil, fmt.Errorf("%w: AKA' 网络名称长度非法", ErrInvalidRequest)
	}
	networkName := atKdfInput.Value[2 : 2+nameLen]

	ckPrime, ikPrime := deriveCKIKPrime(result.CK, result.IK, networkName, a.lastAutnSqnXorAk)

	// MK = PRF'(IK'|CK', "EAP-AKA'"|Identity)
	key := append(append([]byte{}, ikPrime...), ckPrime...)
	seed := append([]byte("EAP-AKA'"), identity...)
	mk, err := crypto.PrfPlus(crypto.PRF_HMAC_SHA2_256, key, seed, 208)
	if err != nil {
		return nil, nil, nil, err
	}
	// K_encr(16) | K_aut(32) | K_re(32) | MSK(64) | EMSK(64)
	return mk[16:48], mk[80:144], mk[144:208], nil
}

// deriveCKIKPrime TS 33.402 A.2: (CK'|IK') = HMAC-SHA256(CK|IK, S)
// S = FC(0x20) | P0(网络名称) | L0 | P1(SQN⊕AK) | L1
func deriveCKIKPrime(ck, ik, networkName, sqnXorAk []byte) (ckPrime, ikPrime []byte) {
	key := append(append([]byte{}, ck...), ik...)

	s := []byte{0x20}
	s = append(s, networkName...)
	s = binary.BigEndian.AppendUint16(s, uint16(len(networkName)))
	s = append(s, sqnXorAk...)
	s = binary.BigEndian.AppendUint16(s, uint16(len(sqnXorAk)))

	mac := hmac.New(sha256.New, key)
	mac.Write(s)
	out := mac.Sum(nil)
	return out[:16], out[16:32]
}

// computeAttrMAC 整包 MAC: AKA 用 HMAC-SHA1，AKA'/SIM-SHA256 用 HMAC-SHA256，截断 16 字节
func computeAttrMAC(useSHA256 bool, kAut, packet, extra []byte) []byte {
	var mac []byte
	if useSHA256 {
		h := hmac.New(sha256.New, kAut)
		h.Write(packet)
		h.Write(extra)
		mac = h.Sum(nil)
	} else {
		h := hmac.New(sha1.New, kAut)
		h.Write(packet)
		h.Write(extra)
		mac = h.Sum(nil)
	}
	return mac[:16]
}

// verifyAttrMAC 把包中 AT_MAC 的值区清零后重算比较
func verifyAttrMAC(useSHA256 bool, raw, attrsData, kAut, recvMac, extra []byte) error {
	macAttrOffset, ok := FindAttrOffset(attrsData, AT_MAC)
	if !ok {
		return fmt.Errorf("%w: 未找到 AT_MAC", ErrInvalidRequest)
	}
	macPos := 8 + macAttrOffset + 4
	if macPos+16 > len(raw) {
		return fmt.Errorf("%w: AT_MAC 偏移越界", ErrInvalidRequest)
	}

	tmp := make([]byte, len(raw))
	copy(tmp, raw)
	copy(tmp[macPos:macPos+16], make([]byte, 16))

	expected := computeAttrMAC(useSHA256, kAut, tmp, extra)
	if !hmac.Equal(expected, recvMac) {
		return errors.New("EAP AT_MAC 校验失败")
	}
	return nil
}
