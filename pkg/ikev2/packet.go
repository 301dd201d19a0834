package ikev2

// IKEPacket 一条完整的明文 IKE 消息
type IKEPacket struct {
	Header   *IKEHeader
	Payloads []Payload
}

func (p *IKEPacket) Encode() ([]byte, error) {
	first, body, err := EncodePayloadList(p.Payloads)
	if err != nil {
		return nil, err
	}

	p.Header.NextPayload = first
	p.Header.Length = uint32(IKE_HEADER_LEN + len(body))

	return append(p.Header.Encode(), body...), nil
}

// DecodePacket 解码明文 IKE 消息，校验总长度与链一致
func DecodePacket(data []byte) (*IKEPacket, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if int(header.Length) != len(data) {
		return nil, wrapSyntax("IKE 头部长度与数据包长度不一致")
	}

	payloads, err := ParsePayloadChain(data[IKE_HEADER_LEN:], header.NextPayload)
	if err != nil {
		return nil, err
	}

	return &IKEPacket{Header: header, Payloads: payloads}, nil
}
