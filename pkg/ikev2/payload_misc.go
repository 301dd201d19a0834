package ikev2

import (
	"encoding/binary"
)

// 身份标识载荷 (RFC 7296 3.5 节)
type PayloadID struct {
	IDType      uint8
	IDData      []byte
	IsInitiator bool
}

const (
	ID_IPV4_ADDR   = 1
	ID_FQDN        = 2
	ID_RFC822_ADDR = 3
	ID_IPV6_ADDR   = 5
	ID_KEY_ID      = 11
)

func (p *PayloadID) Type() PayloadType {
	if p.IsInitiator {
		return IDi
	}
	return IDr
}

func (p *PayloadID) Encode() ([]byte, error) {
	buf := make([]byte, 4+len(p.IDData))
	buf[0] = p.IDType
	copy(buf[4:], p.IDData)
	return buf, nil
}

func DecodePayloadID(data []byte, isInitiator bool) (*PayloadID, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("ID 载荷太短")
	}
	return &PayloadID{
		IDType:      data[0],
		IDData:      append([]byte(nil), data[4:]...),
		IsInitiator: isInitiator,
	}, nil
}

// 认证载荷 (RFC 7296 3.8 节)
type PayloadAuth struct {
	AuthMethod uint8
	AuthData   []byte
}

const (
	AuthMethodRSASig    = 1
	AuthMethodSharedKey = 2
	AuthMethodDSSSig    = 3
)

func (p *PayloadAuth) Type() PayloadType { return AUTH }

func (p *PayloadAuth) Encode() ([]byte, error) {
	buf := make([]byte, 4+len(p.AuthData))
	buf[0] = p.AuthMethod
	copy(buf[4:], p.AuthData)
	return buf, nil
}

func DecodePayloadAuth(data []byte) (*PayloadAuth, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("认证载荷太短")
	}
	return &PayloadAuth{
		AuthMethod: data[0],
		AuthData:   append([]byte(nil), data[4:]...),
	}, nil
}

// 通知载荷 (RFC 7296 3.10 节)
type PayloadNotify struct {
	ProtocolID ProtocolID
	SPI        []byte
	NotifyType uint16
	NotifyData []byte
}

func (p *PayloadNotify) Type() PayloadType { return N }

func (p *PayloadNotify) Encode() ([]byte, error) {
	spiLen := len(p.SPI)
	buf := make([]byte, 4+spiLen+len(p.NotifyData))

	buf[0] = uint8(p.ProtocolID)
	buf[1] = uint8(spiLen)
	binary.BigEndian.PutUint16(buf[2:4], p.NotifyType)

	copy(buf[4:], p.SPI)
	copy(buf[4+spiLen:], p.NotifyData)
	return buf, nil
}

func DecodePayloadNotify(data []byte) (*PayloadNotify, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("通知载荷太短")
	}

	spiLen := int(data[1])
	if len(data) < 4+spiLen {
		return nil, wrapSyntax("通知载荷对于 SPI 来说太短")
	}

	return &PayloadNotify{
		ProtocolID: ProtocolID(data[0]),
		NotifyType: binary.BigEndian.Uint16(data[2:4]),
		SPI:        append([]byte(nil), data[4:4+spiLen]...),
		NotifyData: append([]byte(nil), data[4+spiLen:]...),
	}, nil
}

// 删除载荷 (RFC 7296 3.11 节)
type PayloadDelete struct {
	ProtocolID ProtocolID
	SPISize    uint8
	SPIs       [][]byte
}

func (p *PayloadDelete) Type() PayloadType { return D }

func (p *PayloadDelete) Encode() ([]byte, error) {
	buf := make([]byte, 4, 4+int(p.SPISize)*len(p.SPIs))
	buf[0] = uint8(p.ProtocolID)
	buf[1] = p.SPISize
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.SPIs)))
	for _, spi := range p.SPIs {
		buf = append(buf, spi...)
	}
	return buf, nil
}

// NewDeleteIKE IKE SA 删除载荷 (SPI 由头部承载)
func NewDeleteIKE() *PayloadDelete {
	return &PayloadDelete{ProtocolID: ProtoIKE}
}

// NewDeleteChild ESP SA 删除载荷
func NewDeleteChild(spis ...uint32) *PayloadDelete {
	p := &PayloadDelete{ProtocolID: ProtoESP, SPISize: 4}
	for _, spi := range spis {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, spi)
		p.SPIs = append(p.SPIs, b)
	}
	return p
}

// ChildSPIs 提取 ESP SPI 列表
func (p *PayloadDelete) ChildSPIs() []uint32 {
	var out []uint32
	if p.SPISize != 4 {
		return nil
	}
	for _, spi := range p.SPIs {
		out = append(out, binary.BigEndian.Uint32(spi))
	}
	return out
}

func DecodePayloadDelete(data []byte) (*PayloadDelete, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("删除载荷太短")
	}

	spiSize := int(data[1])
	numSPIs := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+spiSize*numSPIs {
		return nil, wrapSyntax("删除载荷对于 SPI 数据来说太短")
	}

	p := &PayloadDelete{
		ProtocolID: ProtocolID(data[0]),
		SPISize:    data[1],
	}
	for i := 0; i < numSPIs; i++ {
		off := 4 + i*spiSize
		p.SPIs = append(p.SPIs, append([]byte(nil), data[off:off+spiSize]...))
	}
	return p, nil
}

// EAP 载荷 (RFC 7296 3.16 节)
type PayloadEAP struct {
	EAPMessage []byte
}

func (p *PayloadEAP) Type() PayloadType { return EAP }

func (p *PayloadEAP) Encode() ([]byte, error) {
	return p.EAPMessage, nil
}

func DecodePayloadEAP(data []byte) (*PayloadEAP, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("EAP 载荷太短")
	}
	return &PayloadEAP{EAPMessage: append([]byte(nil), data...)}, nil
}
