package ikev2

import (
	"bytes"
	"encoding/binary"
	"net"
)

// 流量选择器载荷 (RFC 7296 3.13 节)
type PayloadTS struct { // TSi 或 TSr
	IsInitiator      bool
	TrafficSelectors []*TrafficSelector
}

func (p *PayloadTS) Type() PayloadType {
	if p.IsInitiator {
		return TSI
	}
	return TSR
}

func (p *PayloadTS) Encode() ([]byte, error) {
	buf := make([]byte, 4)
	buf[0] = uint8(len(p.TrafficSelectors))

	for _, ts := range p.TrafficSelectors {
		buf = append(buf, ts.Encode()...)
	}
	return buf, nil
}

// 流量选择器子结构
type TrafficSelector struct {
	TSType     uint8
	IPProtocol uint8
	StartPort  uint16
	EndPort    uint16
	StartAddr  []byte // 4 字节 (IPv4) 或 16 (IPv6)
	EndAddr    []byte
}

const (
	TS_IPV4_ADDR_RANGE = 7
	TS_IPV6_ADDR_RANGE = 8
)

func NewTrafficSelectorIPV4(startIP, endIP net.IP, startPort, endPort uint16) *TrafficSelector {
	return &TrafficSelector{
		TSType:    TS_IPV4_ADDR_RANGE,
		StartPort: startPort,
		EndPort:   endPort,
		StartAddr: startIP.To4(),
		EndAddr:   endIP.To4(),
	}
}

// AllIPv4TrafficSelector 覆盖全部 IPv4 地址和端口
func AllIPv4TrafficSelector() *TrafficSelector {
	return NewTrafficSelectorIPV4(net.IPv4zero, net.IPv4bcast, 0, 65535)
}

func (ts *TrafficSelector) Encode() []byte {
	length := 16
	if ts.TSType == TS_IPV6_ADDR_RANGE {
		length = 40
	}

	buf := make([]byte, length)
	buf[0] = ts.TSType
	buf[1] = ts.IPProtocol
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], ts.StartPort)
	binary.BigEndian.PutUint16(buf[6:8], ts.EndPort)

	if ts.TSType == TS_IPV4_ADDR_RANGE {
		copy(buf[8:12], ts.StartAddr)
		copy(buf[12:16], ts.EndAddr)
	} else {
		copy(buf[8:24], ts.StartAddr)
		copy(buf[24:40], ts.EndAddr)
	}
	return buf
}

// Equal 逐字段比较
func (ts *TrafficSelector) Equal(o *TrafficSelector) bool {
	return ts.TSType == o.TSType && ts.IPProtocol == o.IPProtocol &&
		ts.StartPort == o.StartPort && ts.EndPort == o.EndPort &&
		bytes.Equal(ts.StartAddr, o.StartAddr) && bytes.Equal(ts.EndAddr, o.EndAddr)
}

// ContainedIn 判断 ts 的范围是否被 o 完整覆盖 (协商缩窄检查)
func (ts *TrafficSelector) ContainedIn(o *TrafficSelector) bool {
	if ts.TSType != o.TSType {
		return false
	}
	if o.IPProtocol != 0 && ts.IPProtocol != o.IPProtocol {
		return false
	}
	if ts.StartPort < o.StartPort || ts.EndPort > o.EndPort {
		return false
	}
	return bytes.Compare(ts.StartAddr, o.StartAddr) >= 0 &&
		bytes.Compare(ts.EndAddr, o.EndAddr) <= 0
}

// TrafficSelectorsSubset 判断 got 中每个选择器都被 offered 的某个选择器覆盖
func TrafficSelectorsSubset(got, offered []*TrafficSelector) bool {
	for _, g := range got {
		covered := false
		for _, o := range offered {
			if g.ContainedIn(o) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return len(got) > 0
}

func DecodePayloadTS(data []byte, isInitiator bool) (*PayloadTS, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("TS 载荷太短")
	}
	tsCount := int(data[0])
	offset := 4

	out := &PayloadTS{
		IsInitiator:      isInitiator,
		TrafficSelectors: make([]*TrafficSelector, 0, tsCount),
	}

	for i := 0; i < tsCount; i++ {
		if offset+8 > len(data) {
			return nil, wrapSyntax("TS 载荷对于选择器头部来说太短")
		}
		tType := data[offset]
		ipProto := data[offset+1]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if length < 8 || offset+length > len(data) {
			return nil, wrapSyntax("TS 载荷对于选择器主体来说太短")
		}

		startPort := binary.BigEndian.Uint16(data[offset+4 : offset+6])
		endPort := binary.BigEndian.Uint16(data[offset+6 : offset+8])
		rest := data[offset+8 : offset+length]

		var startAddr, endAddr []byte
		switch tType {
		case TS_IPV4_ADDR_RANGE:
			if length != 16 {
				return nil, wrapSyntax("TS IPv4 选择器长度非法")
			}
			startAddr = append([]byte(nil), rest[0:4]...)
			endAddr = append([]byte(nil), rest[4:8]...)
		case TS_IPV6_ADDR_RANGE:
			if length != 40 {
				return nil, wrapSyntax("TS IPv6 选择器长度非法")
			}
			startAddr = append([]byte(nil), rest[0:16]...)
			endAddr = append([]byte(nil), rest[16:32]...)
		default:
			return nil, wrapSyntax("不支持的 TS 类型")
		}

		out.TrafficSelectors = append(out.TrafficSelectors, &TrafficSelector{
			TSType:     tType,
			IPProtocol: ipProto,
			StartPort:  startPort,
			EndPort:    endPort,
			StartAddr:  startAddr,
			EndAddr:    endAddr,
		})
		offset += length
	}

	return out, nil
}
