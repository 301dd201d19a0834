package ikev2

import (
	"fmt"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// SKCipherState SK 载荷加解密所需的方向性密钥组合
type SKCipherState struct {
	Enc      crypto.Encrypter
	Integ    crypto.IntegrityAlgorithm
	EncKey   []byte
	IntegKey []byte
}

// EncodeSK 把内层载荷链封装进 SK 载荷并整体编码
// 格式: IKE头 | SK通用头 | IV | ct(内层链 | 填充 | 填充长度) | ICV
// 完整性覆盖 IKE 头到密文 (含)；AEAD 把 ICV 并入密文尾部，AAD 为头部部分
func EncodeSK(header *IKEHeader, inner []Payload, st *SKCipherState) ([]byte, error) {
	firstType, innerBytes, err := EncodePayloadList(inner)
	if err != nil {
		return nil, err
	}

	// 填充规则: (len + pad + 1) mod block == 0, 0 <= pad < block
	padLen := 0
	if block := st.Enc.BlockSize(); block > 1 {
		padLen = block - (len(innerBytes)+1)%block
		if padLen == block {
			padLen = 0
		}
	}
	pad, err := crypto.RandomBytes(padLen)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, 0, len(innerBytes)+padLen+1)
	plaintext = append(plaintext, innerBytes...)
	plaintext = append(plaintext, pad...)
	plaintext = append(plaintext, byte(padLen))

	iv, err := crypto.RandomBytes(st.Enc.IVSize())
	if err != nil {
		return nil, err
	}

	icvLen := 0
	if !st.Enc.IsAEAD() {
		icvLen = st.Integ.OutputSize()
	}

	// 先确定总长，AEAD 需要拿头部做 AAD
	ctLen := len(plaintext) + st.Enc.ICVSize()
	skBodyLen := len(iv) + ctLen + icvLen
	total := IKE_HEADER_LEN + PAYLOAD_HEADER_LEN + skBodyLen

	header.NextPayload = SK
	header.Length = uint32(total)

	skHdr := &PayloadHeader{
		NextPayload:   firstType,
		PayloadLength: uint16(PAYLOAD_HEADER_LEN + skBodyLen),
	}

	out := make([]byte, 0, total)
	out = append(out, header.Encode()...)
	out = append(out, skHdr.Encode()...)

	var aad []byte
	if st.Enc.IsAEAD() {
		aad = append([]byte(nil), out...) // IKE 头 + SK 通用头
	}

	ct, err := st.Enc.Encrypt(plaintext, st.EncKey, iv, aad)
	if err != nil {
		return nil, err
	}

	out = append(out, iv...)
	out = append(out, ct...)

	if !st.Enc.IsAEAD() {
		icv := st.Integ.Compute(st.IntegKey, out)
		out = append(out, icv...)
	}
	return out, nil
}

// DecodeSK 校验并解开一条 SK 封装消息，返回内层载荷链
// 解码顺序: 先验 ICV 再解密，最后去掉填充并递归解析内层链
func DecodeSK(raw []byte, st *SKCipherState) (*IKEHeader, []Payload, error) {
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	if int(header.Length) != len(raw) {
		return nil, nil, wrapSyntax("IKE 头部长度与数据包长度不一致")
	}
	if header.NextPayload != SK {
		return nil, nil, wrapSyntax("消息首载荷不是 SK")
	}

	offset := IKE_HEADER_LEN
	skHdr, err := DecodePayloadHeader(raw[offset : offset+PAYLOAD_HEADER_LEN])
	if err != nil {
		return nil, nil, err
	}
	skBodyLen := int(skHdr.PayloadLength) - PAYLOAD_HEADER_LEN
	if skBodyLen < 0 || offset+PAYLOAD_HEADER_LEN+skBodyLen > len(raw) {
		return nil, nil, wrapSyntax("SK 载荷太短")
	}
	skContent := raw[offset+PAYLOAD_HEADER_LEN : offset+PAYLOAD_HEADER_LEN+skBodyLen]

	ivSize := st.Enc.IVSize()
	if len(skContent) < ivSize {
		return nil, nil, wrapSyntax("SK 内容对于 IV 来说太短")
	}
	iv := skContent[:ivSize]
	ciphertext := skContent[ivSize:]

	var plaintext []byte
	if st.Enc.IsAEAD() {
		aad := raw[:IKE_HEADER_LEN+PAYLOAD_HEADER_LEN]
		plaintext, err = st.Enc.Decrypt(ciphertext, st.EncKey, iv, aad)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrIntegrityCheckFailed, err)
		}
	} else {
		icvSize := st.Integ.OutputSize()
		if len(ciphertext) < icvSize {
			return nil, nil, wrapSyntax("SK 内容对于 ICV 来说太短")
		}
		icv := ciphertext[len(ciphertext)-icvSize:]
		ciphertext = ciphertext[:len(ciphertext)-icvSize]

		authedSpan := raw[:len(raw)-icvSize]
		if !st.Integ.Verify(st.IntegKey, authedSpan, icv) {
			return nil, nil, ErrIntegrityCheckFailed
		}

		plaintext, err = st.Enc.Decrypt(ciphertext, st.EncKey, iv, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("解密失败: %v", err)
		}

		if len(plaintext) < 1 {
			return nil, nil, wrapSyntax("SK 明文太短")
		}
		padLen := int(plaintext[len(plaintext)-1])
		if len(plaintext) < 1+padLen {
			return nil, nil, wrapSyntax("SK 填充长度无效")
		}
		plaintext = plaintext[:len(plaintext)-1-padLen]
	}

	if st.Enc.IsAEAD() {
		// AEAD 明文同样带填充尾字节
		if len(plaintext) < 1 {
			return nil, nil, wrapSyntax("SK 明文太短")
		}
		padLen := int(plaintext[len(plaintext)-1])
		if len(plaintext) < 1+padLen {
			return nil, nil, wrapSyntax("SK 填充长度无效")
		}
		plaintext = plaintext[:len(plaintext)-1-padLen]
	}

	payloads, err := ParsePayloadChain(plaintext, skHdr.NextPayload)
	if err != nil {
		return nil, nil, err
	}
	return header, payloads, nil
}
