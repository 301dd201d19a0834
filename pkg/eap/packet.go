package eap

import (
	"encoding/binary"
	"errors"
)

// EAP 代码 (RFC 3748)
const (
	CodeRequest  = 1
	CodeResponse = 2
	CodeSuccess  = 3
	CodeFailure  = 4
)

// EAP 类型
const (
	TypeIdentity     = 1
	TypeNotification = 2
	TypeNak          = 3  // Legacy NAK
	TypeSIM          = 18 // EAP-SIM (RFC 4186)
	TypeAKA          = 23 // EAP-AKA (RFC 4187)
	TypeAKAPrime     = 50 // EAP-AKA' (RFC 5448)
)

// EAP-SIM/AKA 子类型
const (
	SubtypeChallenge        = 1
	SubtypeAuthReject       = 2
	SubtypeSyncFailure      = 4
	SubtypeIdentity         = 5
	SubtypeSIMStart         = 10 // 仅 EAP-SIM
	SubtypeSIMChallenge     = 11 // 仅 EAP-SIM
	SubtypeNotification     = 12
	SubtypeReauthentication = 13
	SubtypeClientError      = 14
)

// SIM/AKA 属性
const (
	AT_RAND              = 1
	AT_AUTN              = 2
	AT_RES               = 3
	AT_AUTS              = 4
	AT_PADDING           = 6
	AT_NONCE_MT          = 7
	AT_PERMANENT_ID_REQ  = 10
	AT_MAC               = 11
	AT_NOTIFICATION      = 12
	AT_ANY_ID_REQ        = 13
	AT_IDENTITY          = 14
	AT_VERSION_LIST      = 15
	AT_SELECTED_VERSION  = 16
	AT_FULLAUTH_ID_REQ   = 17
	AT_COUNTER           = 19
	AT_NONCE_S           = 21
	AT_CLIENT_ERROR_CODE = 22
	AT_KDF_INPUT         = 23 // AKA' 专用: 网络名称 (RFC 5448 §3.1)
	AT_KDF               = 24 // AKA' 专用: KDF 协商 (RFC 5448 §3.2)
	AT_IV                = 129
	AT_ENCR_DATA         = 130
	AT_NEXT_PSEUDONYM    = 132
	AT_NEXT_REAUTH_ID    = 133
)

// typeHasSubtype SIM/AKA/AKA' 共用 Subtype(1)+Reserved(2) 的方法头
func typeHasSubtype(t uint8) bool {
	return t == TypeSIM || t == TypeAKA || t == TypeAKAPrime
}

type Packet struct {
	Code       uint8
	Identifier uint8
	Type       uint8  // 仅当 Code 为 Request/Response 时
	Subtype    uint8  // 仅当 Type 为 SIM/AKA/AKA' 时
	Data       []byte // 类型数据 (SIM/AKA 时为属性区)
}

func Parse(data []byte) (*Packet, error) {
	if len(data) < 4 {
		return nil, errors.New("EAP packet too short")
	}

	p := &Packet{
		Code:       data[0],
		Identifier: data[1],
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length > len(data) || length < 4 {
		return nil, errors.New("EAP length exceeds data")
	}

	if p.Code == CodeRequest || p.Code == CodeResponse {
		if length < 5 {
			return nil, errors.New("EAP request/response missing type")
		}
		p.Type = data[4]

		if typeHasSubtype(p.Type) {
			// 格式: Code, ID, Len, Type, Subtype, Reserved(2), Attributes...
			if length < 8 {
				return nil, errors.New("EAP method packet too short")
			}
			p.Subtype = data[5]
			p.Data = append([]byte(nil), data[8:length]...)
		} else {
			p.Data = append([]byte(nil), data[5:length]...)
		}
	}
	// Success/Failure 没有 Type/Data

	return p, nil
}

func (p *Packet) Encode() []byte {
	length := 4
	if p.Code == CodeRequest || p.Code == CodeResponse {
		length++ // Type
		if typeHasSubtype(p.Type) {
			length += 3 // Subtype + Reserved
		}
		length += len(p.Data)
	}

	buf := make([]byte, length)
	buf[0] = p.Code
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	if p.Code == CodeRequest || p.Code == CodeResponse {
		buf[4] = p.Type
		if typeHasSubtype(p.Type) {
			buf[5] = p.Subtype
			copy(buf[8:], p.Data)
		} else {
			copy(buf[5:], p.Data)
		}
	}

	return buf
}

// Attribute SIM/AKA 属性 (长度以 4 字节字计)
type Attribute struct {
	Type   uint8
	Length uint8
	Value  []byte
}

func (a *Attribute) Encode() []byte {
	valLen := len(a.Value)
	totalLen := 2 + valLen
	if totalLen%4 != 0 {
		totalLen += 4 - (totalLen % 4)
	}
	a.Length = uint8(totalLen / 4)

	buf := make([]byte, totalLen)
	buf[0] = a.Type
	buf[1] = a.Length
	copy(buf[2:], a.Value)
	return buf
}

// NewLVAttribute 带 2 字节实际长度前缀的属性 (AT_RES, AT_IDENTITY 等)
func NewLVAttribute(atype uint8, actualLenBitsOrBytes uint16, value []byte) *Attribute {
	v := make([]byte, 2+len(value))
	binary.BigEndian.PutUint16(v[0:2], actualLenBitsOrBytes)
	copy(v[2:], value)
	return &Attribute{Type: atype, Value: v}
}

func ParseAttributes(data []byte) (map[uint8]*Attribute, error) {
	attrs := make(map[uint8]*Attribute)
	offset := 0

	for offset+2 <= len(data) {
		aType := data[offset]
		aLen := int(data[offset+1]) * 4
		if aLen == 0 {
			return nil, errors.New("attribute length zero")
		}
		if offset+aLen > len(data) {
			return nil, errors.New("attribute length exceeds data")
		}

		attrs[aType] = &Attribute{
			Type:   aType,
			Length: data[offset+1],
			Value:  data[offset+2 : offset+aLen],
		}
		offset += aLen
	}
	return attrs, nil
}

// FindAttrOffset 返回属性在属性区中的偏移
func FindAttrOffset(data []byte, attrType uint8) (int, bool) {
	offset := 0
	for offset+2 <= len(data) {
		t := data[offset]
		l := int(data[offset+1]) * 4
		if l == 0 || offset+l > len(data) {
			return 0, false
		}
		if t == attrType {
			return offset, true
		}
		offset += l
	}
	return 0, false
}

// AttrTail16 可变前缀属性取尾部 16 字节 (AT_RAND/AT_AUTN/AT_MAC 的值区)
func AttrTail16(v []byte) ([]byte, error) {
	if len(v) < 16 {
		return nil, errors.New("attribute value shorter than 16 bytes")
	}
	return v[len(v)-16:], nil
}
