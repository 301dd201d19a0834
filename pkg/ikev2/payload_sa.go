package ikev2

import (
	"encoding/binary"
)

// SA 载荷 (RFC 7296 3.3 节)
type PayloadSA struct {
	Proposals []*Proposal
}

func (p *PayloadSA) Type() PayloadType { return SA }

func (p *PayloadSA) Encode() ([]byte, error) {
	var body []byte
	for i, prop := range p.Proposals {
		prop.LastProposal = (i == len(p.Proposals)-1)
		b, err := prop.Encode()
		if err != nil {
			return nil, err
		}
		body = append(body, b...)
	}
	return body, nil
}

// Proposal 子结构 (RFC 7296 3.3.1 节)
type Proposal struct {
	LastProposal bool
	ProposalNum  uint8
	ProtocolID   ProtocolID
	SPI          []byte
	Transforms   []*Transform
}

const PROPOSAL_HEADER_LEN = 8

func (p *Proposal) Encode() ([]byte, error) {
	var transformsBody []byte
	for i, t := range p.Transforms {
		t.LastTransform = (i == len(p.Transforms)-1)
		b, err := t.Encode()
		if err != nil {
			return nil, err
		}
		transformsBody = append(transformsBody, b...)
	}

	totalLen := PROPOSAL_HEADER_LEN + len(p.SPI) + len(transformsBody)
	buf := make([]byte, PROPOSAL_HEADER_LEN+len(p.SPI))

	if p.LastProposal {
		buf[0] = 0 // Last
	} else {
		buf[0] = 2 // More
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	buf[4] = p.ProposalNum
	buf[5] = uint8(p.ProtocolID)
	buf[6] = uint8(len(p.SPI))
	buf[7] = uint8(len(p.Transforms))

	copy(buf[PROPOSAL_HEADER_LEN:], p.SPI)
	return append(buf, transformsBody...), nil
}

// FindTransform 返回该类型的第一个变换，无则返回 nil
func (p *Proposal) FindTransform(t TransformType) *Transform {
	for _, tr := range p.Transforms {
		if tr.Type == t {
			return tr
		}
	}
	return nil
}

// Transform 子结构 (RFC 7296 3.3.2 节)
type Transform struct {
	LastTransform bool
	Type          TransformType
	ID            AlgorithmType
	Attributes    []*TransformAttribute
}

const TRANSFORM_HEADER_LEN = 8

func (t *Transform) Encode() ([]byte, error) {
	var attrsBody []byte
	for _, attr := range t.Attributes {
		b, err := attr.Encode()
		if err != nil {
			return nil, err
		}
		attrsBody = append(attrsBody, b...)
	}

	totalLen := TRANSFORM_HEADER_LEN + len(attrsBody)
	buf := make([]byte, TRANSFORM_HEADER_LEN)

	if t.LastTransform {
		buf[0] = 0 // Last
	} else {
		buf[0] = 3 // More
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	buf[4] = uint8(t.Type)
	binary.BigEndian.PutUint16(buf[6:8], uint16(t.ID))

	return append(buf, attrsBody...), nil
}

// KeyLenBits 提取密钥长度属性，无则返回 0
func (t *Transform) KeyLenBits() int {
	for _, attr := range t.Attributes {
		if attr.Type == AttributeKeyLength {
			return int(attr.Val)
		}
	}
	return 0
}

// TransformAttribute (RFC 7296 3.3.5 节)
// AF 位为 1 时是 TV 格式 (Val)；为 0 时是 TLV 格式 (Value)
type TransformAttribute struct {
	Type  uint16
	Value []byte // TLV
	Val   uint16 // TV
}

func (a *TransformAttribute) Encode() ([]byte, error) {
	if len(a.Value) > 0 {
		buf := make([]byte, 4+len(a.Value))
		binary.BigEndian.PutUint16(buf[0:2], a.Type&0x7FFF)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(a.Value)))
		copy(buf[4:], a.Value)
		return buf, nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], a.Type|0x8000)
	binary.BigEndian.PutUint16(buf[2:4], a.Val)
	return buf, nil
}

func NewProposal(num uint8, proto ProtocolID, spi []byte) *Proposal {
	return &Proposal{
		ProposalNum: num,
		ProtocolID:  proto,
		SPI:         spi,
	}
}

// AddTransform 添加变换，keyLen > 0 时附带密钥长度属性
func (p *Proposal) AddTransform(tType TransformType, tID AlgorithmType, keyLen int) {
	t := &Transform{Type: tType, ID: tID}
	if keyLen > 0 {
		t.Attributes = append(t.Attributes, &TransformAttribute{
			Type: AttributeKeyLength,
			Val:  uint16(keyLen),
		})
	}
	p.Transforms = append(p.Transforms, t)
}

func DecodePayloadSA(data []byte) (*PayloadSA, error) {
	var proposals []*Proposal
	offset := 0

	for offset < len(data) {
		if offset+PROPOSAL_HEADER_LEN > len(data) {
			return nil, wrapSyntax("SA 载荷对于 Proposal 头部来说太短")
		}
		propLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if propLen < PROPOSAL_HEADER_LEN || offset+propLen > len(data) {
			return nil, wrapSyntax("SA 载荷对于 Proposal 主体来说太短")
		}

		prop, err := DecodeProposal(data[offset : offset+propLen])
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, prop)

		offset += propLen
		if prop.LastProposal {
			break
		}
	}

	if len(proposals) == 0 {
		return nil, wrapSyntax("SA 载荷不含 Proposal")
	}
	return &PayloadSA{Proposals: proposals}, nil
}

func DecodeProposal(data []byte) (*Proposal, error) {
	if len(data) < PROPOSAL_HEADER_LEN {
		return nil, wrapSyntax("Proposal 太短")
	}

	p := &Proposal{
		LastProposal: data[0] == 0,
		ProposalNum:  data[4],
		ProtocolID:   ProtocolID(data[5]),
	}

	spiSize := int(data[6])
	transformCount := int(data[7])

	if len(data) < PROPOSAL_HEADER_LEN+spiSize {
		return nil, wrapSyntax("Proposal 对于 SPI 来说太短")
	}
	p.SPI = append([]byte(nil), data[PROPOSAL_HEADER_LEN:PROPOSAL_HEADER_LEN+spiSize]...)

	offset := PROPOSAL_HEADER_LEN + spiSize
	for i := 0; i < transformCount; i++ {
		if offset+TRANSFORM_HEADER_LEN > len(data) {
			return nil, wrapSyntax("Proposal 对于 Transform 头部来说太短")
		}
		transLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if transLen < TRANSFORM_HEADER_LEN || offset+transLen > len(data) {
			return nil, wrapSyntax("Proposal 对于 Transform 主体来说太短")
		}

		trans, err := DecodeTransform(data[offset : offset+transLen])
		if err != nil {
			return nil, err
		}
		p.Transforms = append(p.Transforms, trans)
		offset += transLen
	}

	return p, nil
}

func DecodeTransform(data []byte) (*Transform, error) {
	if len(data) < TRANSFORM_HEADER_LEN {
		return nil, wrapSyntax("Transform 太短")
	}

	t := &Transform{
		LastTransform: data[0] == 0,
		Type:          TransformType(data[4]),
		ID:            AlgorithmType(binary.BigEndian.Uint16(data[6:8])),
	}

	offset := TRANSFORM_HEADER_LEN
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, wrapSyntax("Transform 对于属性头部来说太短")
		}

		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		afBit := (attrType & 0x8000) != 0
		actualType := attrType & 0x7FFF

		if afBit {
			// TV 格式: 值在后 2 字节
			t.Attributes = append(t.Attributes, &TransformAttribute{
				Type: actualType,
				Val:  binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			})
			offset += 4
		} else {
			// TLV 格式
			valLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
			if offset+4+valLen > len(data) {
				return nil, wrapSyntax("Transform 属性值被截断")
			}
			t.Attributes = append(t.Attributes, &TransformAttribute{
				Type:  actualType,
				Value: append([]byte(nil), data[offset+4:offset+4+valLen]...),
			})
			offset += 4 + valLen
		}
	}

	return t, nil
}
