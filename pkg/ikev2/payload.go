package ikev2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 解码失败的分类错误。上层会话据此映射到协议错误通知
var (
	ErrInvalidSyntax              = errors.New("ikev2: invalid syntax")
	ErrUnsupportedCriticalPayload = errors.New("ikev2: unsupported critical payload")
	ErrIntegrityCheckFailed       = errors.New("ikev2: integrity check failed")
)

func wrapSyntax(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSyntax, msg)
}

type Payload interface {
	Type() PayloadType
	Encode() ([]byte, error)
}

// 通用载荷头部 (RFC 7296 3.2 节)
type PayloadHeader struct {
	NextPayload   PayloadType
	Critical      bool
	PayloadLength uint16
}

const PAYLOAD_HEADER_LEN = 4

func (h *PayloadHeader) Encode() []byte {
	buf := make([]byte, PAYLOAD_HEADER_LEN)
	buf[0] = uint8(h.NextPayload)
	if h.Critical {
		buf[1] = 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLength)
	return buf
}

func DecodePayloadHeader(data []byte) (*PayloadHeader, error) {
	if len(data) < PAYLOAD_HEADER_LEN {
		return nil, wrapSyntax("通用载荷头部太短")
	}
	return &PayloadHeader{
		NextPayload:   PayloadType(data[0]),
		Critical:      (data[1] & 0x80) != 0,
		PayloadLength: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// RawPayload 承载未识别的载荷类型
type RawPayload struct {
	PType    PayloadType
	Critical bool
	Data     []byte
}

func (p *RawPayload) Type() PayloadType       { return p.PType }
func (p *RawPayload) Encode() ([]byte, error) { return p.Data, nil }

// decodePayloadBody 按类型解码单个载荷主体
func decodePayloadBody(ptype PayloadType, hdr *PayloadHeader, body []byte) (Payload, error) {
	switch ptype {
	case SA:
		return DecodePayloadSA(body)
	case KE:
		return DecodePayloadKE(body)
	case NiNr:
		return DecodePayloadNonce(body)
	case IDi:
		return DecodePayloadID(body, true)
	case IDr:
		return DecodePayloadID(body, false)
	case AUTH:
		return DecodePayloadAuth(body)
	case EAP:
		return DecodePayloadEAP(body)
	case N:
		return DecodePayloadNotify(body)
	case D:
		return DecodePayloadDelete(body)
	case TSI:
		return DecodePayloadTS(body, true)
	case TSR:
		return DecodePayloadTS(body, false)
	case CP:
		return DecodePayloadCP(body)
	case V:
		return &RawPayload{PType: V, Data: append([]byte(nil), body...)}, nil
	default:
		// 未识别的载荷：critical 位决定是拒绝整条消息还是跳过
		if hdr.Critical {
			return nil, fmt.Errorf("%w: 载荷类型 %d", ErrUnsupportedCriticalPayload, ptype)
		}
		return &RawPayload{PType: ptype, Data: append([]byte(nil), body...)}, nil
	}
}

// ParsePayloadChain 解析链式载荷序列
// 严格性要求：载荷长度 >= 4；链不得越过数据末尾；链结束后不得有余字节
func ParsePayloadChain(data []byte, firstType PayloadType) ([]Payload, error) {
	var payloads []Payload
	offset := 0
	nextType := firstType

	for nextType != NoNextPayload {
		if offset+PAYLOAD_HEADER_LEN > len(data) {
			return nil, wrapSyntax("载荷链越过数据末尾")
		}
		hdr, err := DecodePayloadHeader(data[offset : offset+PAYLOAD_HEADER_LEN])
		if err != nil {
			return nil, err
		}
		length := int(hdr.PayloadLength)
		if length < PAYLOAD_HEADER_LEN {
			return nil, wrapSyntax("载荷长度小于头部长度")
		}
		if offset+length > len(data) {
			return nil, wrapSyntax("载荷长度越过数据末尾")
		}

		body := data[offset+PAYLOAD_HEADER_LEN : offset+length]
		p, err := decodePayloadBody(nextType, hdr, body)
		if err != nil {
			return nil, fmt.Errorf("解码载荷类型 %d 失败: %w", nextType, err)
		}
		payloads = append(payloads, p)

		nextType = hdr.NextPayload
		offset += length
	}

	if offset != len(data) {
		return nil, wrapSyntax("载荷链之后存在多余字节")
	}
	return payloads, nil
}

// EncodePayloadList 编码载荷列表为链式字节串，返回 (首载荷类型, 字节)
func EncodePayloadList(payloads []Payload) (PayloadType, []byte, error) {
	if len(payloads) == 0 {
		return NoNextPayload, nil, nil
	}

	var out []byte
	for i, pl := range payloads {
		next := NoNextPayload
		if i < len(payloads)-1 {
			next = payloads[i+1].Type()
		}

		body, err := pl.Encode()
		if err != nil {
			return NoNextPayload, nil, err
		}

		hdr := &PayloadHeader{
			NextPayload:   next,
			PayloadLength: uint16(PAYLOAD_HEADER_LEN + len(body)),
		}
		out = append(out, hdr.Encode()...)
		out = append(out, body...)
	}
	return payloads[0].Type(), out, nil
}
