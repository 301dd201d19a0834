package ikev2

import (
	"encoding/binary"
)

// SKF (加密分片) 载荷 (RFC 7383 2.5 节)
// 每个分片单独加密: FragNum(2) | TotalFrags(2) | IV | ct | ICV
// 只有 1 号分片携带内层首载荷类型，其余分片该字段为 0

// SKFragment 解密后的单个分片
type SKFragment struct {
	Header       *IKEHeader
	FragNum      uint16
	TotalFrags   uint16
	FirstPayload PayloadType // 仅 1 号分片有效
	Plaintext    []byte
}

// DecodeSKFragment 校验并解密一个 SKF 分片
func DecodeSKFragment(raw []byte, st *SKCipherState) (*SKFragment, error) {
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if int(header.Length) != len(raw) {
		return nil, wrapSyntax("IKE 头部长度与数据包长度不一致")
	}
	if header.NextPayload != EncryptedFragment {
		return nil, wrapSyntax("消息首载荷不是 SKF")
	}

	offset := IKE_HEADER_LEN
	hdr, err := DecodePayloadHeader(raw[offset : offset+PAYLOAD_HEADER_LEN])
	if err != nil {
		return nil, err
	}
	bodyLen := int(hdr.PayloadLength) - PAYLOAD_HEADER_LEN
	if bodyLen < 4 || offset+PAYLOAD_HEADER_LEN+bodyLen > len(raw) {
		return nil, wrapSyntax("SKF 载荷太短")
	}
	body := raw[offset+PAYLOAD_HEADER_LEN : offset+PAYLOAD_HEADER_LEN+bodyLen]

	fragNum := binary.BigEndian.Uint16(body[0:2])
	totalFrags := binary.BigEndian.Uint16(body[2:4])
	if fragNum == 0 || totalFrags == 0 || fragNum > totalFrags {
		return nil, wrapSyntax("SKF 分片编号非法")
	}

	skContent := body[4:]
	ivSize := st.Enc.IVSize()
	if len(skContent) < ivSize {
		return nil, wrapSyntax("SKF 内容对于 IV 来说太短")
	}
	iv := skContent[:ivSize]
	ciphertext := skContent[ivSize:]

	var plaintext []byte
	if st.Enc.IsAEAD() {
		aad := raw[:IKE_HEADER_LEN+PAYLOAD_HEADER_LEN+4]
		plaintext, err = st.Enc.Decrypt(ciphertext, st.EncKey, iv, aad)
		if err != nil {
			return nil, ErrIntegrityCheckFailed
		}
	} else {
		icvSize := st.Integ.OutputSize()
		if len(ciphertext) < icvSize {
			return nil, wrapSyntax("SKF 内容对于 ICV 来说太短")
		}
		icv := ciphertext[len(ciphertext)-icvSize:]
		ciphertext = ciphertext[:len(ciphertext)-icvSize]

		if !st.Integ.Verify(st.IntegKey, raw[:len(raw)-icvSize], icv) {
			return nil, ErrIntegrityCheckFailed
		}
		plaintext, err = st.Enc.Decrypt(ciphertext, st.EncKey, iv, nil)
		if err != nil {
			return nil, err
		}
	}

	if len(plaintext) < 1 {
		return nil, wrapSyntax("SKF 明文太短")
	}
	padLen := int(plaintext[len(plaintext)-1])
	if len(plaintext) < 1+padLen {
		return nil, wrapSyntax("SKF 填充长度无效")
	}
	plaintext = plaintext[:len(plaintext)-1-padLen]

	return &SKFragment{
		Header:       header,
		FragNum:      fragNum,
		TotalFrags:   totalFrags,
		FirstPayload: hdr.NextPayload,
		Plaintext:    plaintext,
	}, nil
}

// FragmentBuffer 按消息 ID 重组入站分片
type FragmentBuffer struct {
	msgID        uint32
	total        uint16
	firstPayload PayloadType
	frags        map[uint16][]byte
}

func NewFragmentBuffer() *FragmentBuffer {
	return &FragmentBuffer{frags: make(map[uint16][]byte)}
}

// Add 收集一个分片；集齐后返回重组的内层载荷链，否则返回 nil
func (b *FragmentBuffer) Add(f *SKFragment) ([]Payload, error) {
	if len(b.frags) == 0 || b.msgID != f.Header.MessageID {
		// 新消息: 丢弃旧残片
		b.msgID = f.Header.MessageID
		b.total = f.TotalFrags
		b.frags = make(map[uint16][]byte)
	}
	if f.TotalFrags != b.total {
		return nil, wrapSyntax("SKF 分片总数不一致")
	}
	if f.FragNum == 1 {
		b.firstPayload = f.FirstPayload
	}
	b.frags[f.FragNum] = f.Plaintext

	if len(b.frags) != int(b.total) {
		return nil, nil
	}

	var inner []byte
	for i := uint16(1); i <= b.total; i++ {
		part, ok := b.frags[i]
		if !ok {
			return nil, wrapSyntax("SKF 分片缺失")
		}
		inner = append(inner, part...)
	}
	first := b.firstPayload
	b.frags = make(map[uint16][]byte)

	return ParsePayloadChain(inner, first)
}
