package ikev2

import (
	"encoding/binary"
)

// 密钥交换载荷 (RFC 7296 3.4 节)
type PayloadKE struct {
	DHGroup AlgorithmType
	KEData  []byte
}

func (p *PayloadKE) Type() PayloadType { return KE }

func (p *PayloadKE) Encode() ([]byte, error) {
	buf := make([]byte, 4+len(p.KEData))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.DHGroup))
	copy(buf[4:], p.KEData)
	return buf, nil
}

func DecodePayloadKE(data []byte) (*PayloadKE, error) {
	if len(data) < 4 {
		return nil, wrapSyntax("KE 载荷太短")
	}
	return &PayloadKE{
		DHGroup: AlgorithmType(binary.BigEndian.Uint16(data[0:2])),
		KEData:  append([]byte(nil), data[4:]...),
	}, nil
}

// Nonce 载荷 (RFC 7296 3.9 节). 长度必须在 16 和 256 字节之间
type PayloadNonce struct {
	NonceData []byte
}

func (p *PayloadNonce) Type() PayloadType { return NiNr }

func (p *PayloadNonce) Encode() ([]byte, error) {
	return p.NonceData, nil
}

func DecodePayloadNonce(data []byte) (*PayloadNonce, error) {
	if len(data) < 16 || len(data) > 256 {
		return nil, wrapSyntax("Nonce 长度非法")
	}
	return &PayloadNonce{NonceData: append([]byte(nil), data...)}, nil
}
