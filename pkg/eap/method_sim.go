package eap

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/logger"
	"go.uber.org/zap"
)

// simMethod EAP-SIM (RFC 4186) 方法子状态
// Start (版本协商 + NONCE_MT) → Challenge (n 组 GSM 三元组)
type simMethod struct {
	cfg *Config
	log *zap.Logger

	nonceMT         []byte
	versionList     []byte // AT_VERSION_LIST 的值区 (含长度前缀)，MK 计算需要
	selectedVersion []byte // 2 字节

	msk, emsk []byte
	hasKeys   bool
}

func newSimMethod(cfg *Config, log *zap.Logger) *simMethod {
	return &simMethod{cfg: cfg, log: log}
}

func (s *simMethod) typeCode() uint8 { return TypeSIM }

func (s *simMethod) keys() (msk, emsk []byte, ok bool) {
	return s.msk, s.emsk, s.hasKeys
}

func (s *simMethod) process(pkt *Packet) ([]byte, error) {
	switch pkt.Subtype {
	case SubtypeSIMStart:
		return s.respondStart(pkt)
	case SubtypeSIMChallenge:
		return s.respondChallenge(pkt)
	case SubtypeNotification:
		resp := &Packet{
			Code:       CodeResponse,
			Identifier: pkt.Identifier,
			Type:       TypeSIM,
			Subtype:    SubtypeNotification,
		}
		return resp.Encode(), nil
	default:
		return nil, fmt.Errorf("%w: SIM 子类型 %d", ErrInvalidRequest, pkt.Subtype)
	}
}

// respondStart 版本协商: 只支持版本 1，带上 NONCE_MT
func (s *simMethod) respondStart(pkt *Packet) ([]byte, error) {
	attrs, err := ParseAttributes(pkt.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	atVer, ok := attrs[AT_VERSION_LIST]
	if !ok || len(atVer.Value) < 4 {
		return nil, fmt.Errorf("%w: SIM Start 缺少版本列表", ErrInvalidRequest)
	}
	listLen := int(binary.BigEndian.Uint16(atVer.Value[:2]))
	if 2+listLen > len(atVer.Value) {
		return nil, fmt.Errorf("%w: 版本列表长度非法", ErrInvalidRequest)
	}
	supported := false
	for off := 2; off+2 <= 2+listLen; off += 2 {
		if binary.BigEndian.Uint16(atVer.Value[off:off+2]) == 1 {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("%w: 对端不支持 EAP-SIM 版本 1", ErrInvalidRequest)
	}
	s.versionList = append([]byte(nil), atVer.Value[2:2+listLen]...)
	s.selectedVersion = []byte{0, 1}

	s.nonceMT, err = crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}

	var respAttrs []byte
	// AT_SELECTED_VERSION: TV 形式，值在保留区
	selVer := &Attribute{Type: AT_SELECTED_VERSION, Value: s.selectedVersion}
	respAttrs = append(respAttrs, selVer.Encode()...)
	// AT_NONCE_MT: 2 字节保留 + 16 字节 nonce
	nonceVal := append([]byte{0, 0}, s.nonceMT...)
	atNonce := &Attribute{Type: AT_NONCE_MT, Value: nonceVal}
	respAttrs = append(respAttrs, atNonce.Encode()...)

	// 身份请求随 Start 一起出现时附带 AT_IDENTITY
	if _, any := attrs[AT_ANY_ID_REQ]; any {
		respAttrs = append(respAttrs, NewLVAttribute(AT_IDENTITY, uint16(len(s.cfg.Identity)), s.cfg.Identity).Encode()...)
	} else if _, full := attrs[AT_FULLAUTH_ID_REQ]; full {
		respAttrs = append(respAttrs, NewLVAttribute(AT_IDENTITY, uint16(len(s.cfg.Identity)), s.cfg.Identity).Encode()...)
	} else if _, perm := attrs[AT_PERMANENT_ID_REQ]; perm {
		respAttrs = append(respAttrs, NewLVAttribute(AT_IDENTITY, uint16(len(s.cfg.Identity)), s.cfg.Identity).Encode()...)
	}

	resp := &Packet{
		Code:       CodeResponse,
		Identifier: pkt.Identifier,
		Type:       TypeSIM,
		Subtype:    SubtypeSIMStart,
		Data:       respAttrs,
	}
	return resp.Encode(), nil
}

// respondChallenge 处理 n 组 RAND，派生 MK 并验证/生成 MAC
// MK = SHA1(Identity | n*Kc | NONCE_MT | Version List | Selected Version)
func (s *simMethod) respondChallenge(pkt *Packet) ([]byte, error) {
	if s.nonceMT == nil {
		return nil, fmt.Errorf("%w: SIM 挑战先于 Start", ErrInvalidRequest)
	}

	attrs, err := ParseAttributes(pkt.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	atRand, ok1 := attrs[AT_RAND]
	atMac, ok2 := attrs[AT_MAC]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: SIM 挑战缺少 RAND/MAC", ErrInvalidRequest)
	}

	// AT_RAND 值区: 2 字节保留 + n*16 字节 RAND，n 为 2 或 3
	if len(atRand.Value) < 2 {
		return nil, fmt.Errorf("%w: AT_RAND 太短", ErrInvalidRequest)
	}
	randsData := atRand.Value[2:]
	n := len(randsData) / 16
	if n < 2 || n > 3 || len(randsData)%16 != 0 {
		return nil, fmt.Errorf("%w: RAND 数量非法: %d", ErrInvalidRequest, n)
	}

	var allKc, allSres []byte
	for i := 0; i < n; i++ {
		sres, kc, err := s.cfg.Provider.AuthenticateGsm(randsData[i*16 : (i+1)*16])
		if err != nil {
			s.log.Warn("GSM 鉴权失败", logger.Err(err))
			return nil, err
		}
		allSres = append(allSres, sres...)
		allKc = append(allKc, kc...)
	}

	h := sha1.New()
	h.Write(s.cfg.Identity)
	h.Write(allKc)
	h.Write(s.nonceMT)
	h.Write(s.versionList)
	h.Write(s.selectedVersion)
	mk := h.Sum(nil)

	keyMat := crypto.NewFIPS1862PRFSHA1(mk).Bytes(nil, 16+16+64+64)
	kAut := keyMat[16:32]

	// 请求 MAC 覆盖 EAP 包 | NONCE_MT
	recvMac, err := AttrTail16(atMac.Value)
	if err != nil {
		return nil, err
	}
	raw := pkt.Encode()
	if err := verifyAttrMAC(false, raw, pkt.Data, kAut, recvMac, s.nonceMT); err != nil {
		return nil, err
	}

	s.msk = keyMat[32:96]
	s.emsk = keyMat[96:160]
	s.hasKeys = true

	// 响应只带 AT_MAC，MAC 覆盖 EAP 包 | n*SRES
	macAttr := &Attribute{Type: AT_MAC, Value: make([]byte, 18)}
	respAttrs := macAttr.Encode()

	resp := &Packet{
		Code:       CodeResponse,
		Identifier: pkt.Identifier,
		Type:       TypeSIM,
		Subtype:    SubtypeSIMChallenge,
		Data:       respAttrs,
	}
	out := resp.Encode()

	mac := computeAttrMAC(false, kAut, out, allSres)
	copy(out[8+4:], mac)

	return out, nil
}
