package ikev2

import (
	"encoding/binary"
	"net"
)

// 配置载荷 (RFC 7296 3.15 节)
type PayloadCP struct {
	CFGType    uint8
	Attributes []*CPAttribute
}

const (
	CFG_REQUEST = 1
	CFG_REPLY   = 2
)

// 配置属性类型
const (
	INTERNAL_IP4_ADDRESS uint16 = 1
	INTERNAL_IP4_NETMASK uint16 = 2
	INTERNAL_IP4_DNS     uint16 = 3
	INTERNAL_IP6_ADDRESS uint16 = 8
	INTERNAL_IP6_DNS     uint16 = 10
)

type CPAttribute struct {
	Type  uint16
	Value []byte
}

func (p *PayloadCP) Type() PayloadType { return CP }

func (p *PayloadCP) Encode() ([]byte, error) {
	buf := make([]byte, 4)
	buf[0] = p.CFGType

	for _, attr := range p.Attributes {
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr[0:2], attr.Type&0x7FFF)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(attr.Value)))
		buf = append(buf, hdr...)
		buf = append(buf, attr.Value...)
	}
	return buf, nil
}

func DecodePayloadCP(data []byte) (*PayloadCP, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("CP 载荷太短")
	}

	p := &PayloadCP{CFGType: data[0]}
	offset := 4
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, wrapSyntax("CP 属性头部太短")
		}
		aType := binary.BigEndian.Uint16(data[offset:offset+2]) & 0x7FFF
		aLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+aLen > len(data) {
			return nil, wrapSyntax("CP 属性值被截断")
		}
		p.Attributes = append(p.Attributes, &CPAttribute{
			Type:  aType,
			Value: append([]byte(nil), data[offset+4:offset+4+aLen]...),
		})
		offset += 4 + aLen
	}
	return p, nil
}

// InternalIP4Addresses 提取 CFG_REPLY 下发的 IPv4 地址
func (p *PayloadCP) InternalIP4Addresses() []net.IP {
	var out []net.IP
	for _, attr := range p.Attributes {
		if attr.Type == INTERNAL_IP4_ADDRESS && len(attr.Value) >= 4 {
			out = append(out, net.IP(attr.Value[:4]))
		}
	}
	return out
}
