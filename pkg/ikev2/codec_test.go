package ikev2

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &IKEHeader{
		SPIi:         0x1122334455667788,
		SPIr:         0x8877665544332211,
		NextPayload:  SA,
		Version:      IKEVersion2,
		ExchangeType: IKE_SA_INIT,
		Flags:        FlagInitiator,
		MessageID:    7,
		Length:       28,
	}
	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader 失败: %v", err)
	}
	if *got != *h {
		t.Errorf("头部往返不一致: %+v != %+v", got, h)
	}
}

func TestDecodeHeaderRejectsWrongVersion(t *testing.T) {
	h := &IKEHeader{Version: 0x10, Length: 28}
	if _, err := DecodeHeader(h.Encode()); !errors.Is(err, ErrInvalidSyntax) {
		t.Errorf("版本 1 应报 InvalidSyntax, got %v", err)
	}
}

func buildInitPacket(t *testing.T) *IKEPacket {
	t.Helper()
	prop := NewProposal(1, ProtoIKE, nil)
	prop.AddTransform(TransformTypeEncr, ENCR_AES_CBC, 128)
	prop.AddTransform(TransformTypeInteg, AUTH_HMAC_SHA1_96, 0)
	prop.AddTransform(TransformTypePRF, PRF_HMAC_SHA1, 0)
	prop.AddTransform(TransformTypeDH, MODP_2048_bit, 0)

	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}

	return &IKEPacket{
		Header: &IKEHeader{
			SPIi:         1,
			Version:      IKEVersion2,
			ExchangeType: IKE_SA_INIT,
			Flags:        FlagInitiator,
		},
		Payloads: []Payload{
			&PayloadSA{Proposals: []*Proposal{prop}},
			&PayloadNonce{NonceData: nonce},
			&PayloadNotify{ProtocolID: ProtoIKE, NotifyType: NAT_DETECTION_SOURCE_IP, NotifyData: make([]byte, 20)},
		},
	}
}

func TestPacketRoundTrip(t *testing.T) {
	pkt := buildInitPacket(t)
	raw, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode 失败: %v", err)
	}

	got, err := DecodePacket(raw)
	if err != nil {
		t.Fatalf("DecodePacket 失败: %v", err)
	}
	if len(got.Payloads) != 3 {
		t.Fatalf("载荷数量: got %d want 3", len(got.Payloads))
	}

	sa := got.Payloads[0].(*PayloadSA)
	if len(sa.Proposals) != 1 || len(sa.Proposals[0].Transforms) != 4 {
		t.Error("SA 载荷往返不一致")
	}
	if sa.Proposals[0].Transforms[0].KeyLenBits() != 128 {
		t.Error("密钥长度属性丢失")
	}

	// 总长与头部不一致要报 InvalidSyntax
	if _, err := DecodePacket(append(raw, 0)); !errors.Is(err, ErrInvalidSyntax) {
		t.Errorf("长度不一致应报 InvalidSyntax, got %v", err)
	}
	// 截断的链也要拒绝
	if _, err := DecodePacket(raw[:len(raw)-4]); err == nil {
		t.Error("截断数据应当解码失败")
	}
}

func TestUnknownCriticalPayloadRejected(t *testing.T) {
	// 手工拼一条带 critical 未知载荷的消息
	body := (&PayloadHeader{NextPayload: NoNextPayload, Critical: true, PayloadLength: 8}).Encode()
	body = append(body, 0xde, 0xad, 0xbe, 0xef)

	h := &IKEHeader{
		Version:      IKEVersion2,
		ExchangeType: INFORMATIONAL,
		NextPayload:  PayloadType(200),
		Length:       uint32(IKE_HEADER_LEN + len(body)),
	}
	raw := append(h.Encode(), body...)

	_, err := DecodePacket(raw)
	if !errors.Is(err, ErrUnsupportedCriticalPayload) {
		t.Errorf("critical 未知载荷应被拒, got %v", err)
	}

	// 同样的载荷不带 critical 要被跳过
	body2 := (&PayloadHeader{NextPayload: NoNextPayload, PayloadLength: 8}).Encode()
	body2 = append(body2, 0xde, 0xad, 0xbe, 0xef)
	h.Length = uint32(IKE_HEADER_LEN + len(body2))
	raw2 := append(h.Encode(), body2...)
	pkt, err := DecodePacket(raw2)
	if err != nil {
		t.Fatalf("非 critical 未知载荷应被容忍: %v", err)
	}
	if _, ok := pkt.Payloads[0].(*RawPayload); !ok {
		t.Error("未知载荷应解码为 RawPayload")
	}
}

func TestTrafficSelectorSubset(t *testing.T) {
	all := AllIPv4TrafficSelector()
	narrow := NewTrafficSelectorIPV4(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 255), 0, 65535)

	if !narrow.ContainedIn(all) {
		t.Error("缩窄选择器应被全量覆盖")
	}
	if all.ContainedIn(narrow) {
		t.Error("全量不应被缩窄选择器覆盖")
	}
	if !TrafficSelectorsSubset([]*TrafficSelector{narrow}, []*TrafficSelector{all}) {
		t.Error("子集判定错误")
	}
	if TrafficSelectorsSubset([]*TrafficSelector{all}, []*TrafficSelector{narrow}) {
		t.Error("超集不该通过子集判定")
	}
}

func newCBCState(t *testing.T) *SKCipherState {
	t.Helper()
	enc, err := crypto.GetEncrypterWithKeyLen(12, 128)
	if err != nil {
		t.Fatal(err)
	}
	integ, err := crypto.GetIntegrityAlgorithm(2)
	if err != nil {
		t.Fatal(err)
	}
	return &SKCipherState{
		Enc:      enc,
		Integ:    integ,
		EncKey:   []byte("0123456789abcdef"),
		IntegKey: []byte("0123456789abcdefghij"),
	}
}

func TestSKRoundTripCBC(t *testing.T) {
	st := newCBCState(t)

	inner := []Payload{
		NewDeleteChild(0x11223344),
		&PayloadNotify{ProtocolID: ProtoIKE, NotifyType: USE_TRANSPORT_MODE},
	}
	header := &IKEHeader{
		SPIi: 1, SPIr: 2,
		Version:      IKEVersion2,
		ExchangeType: INFORMATIONAL,
		Flags:        FlagInitiator,
		MessageID:    3,
	}

	raw, err := EncodeSK(header, inner, st)
	if err != nil {
		t.Fatalf("EncodeSK 失败: %v", err)
	}

	// 密文区长度要满足 (len+pad+1) mod block == 0
	bodyLen := len(raw) - IKE_HEADER_LEN - PAYLOAD_HEADER_LEN - st.Enc.IVSize() - st.Integ.OutputSize()
	if bodyLen%st.Enc.BlockSize() != 0 {
		t.Errorf("密文未块对齐: %d", bodyLen)
	}

	gotHeader, payloads, err := DecodeSK(raw, st)
	if err != nil {
		t.Fatalf("DecodeSK 失败: %v", err)
	}
	if gotHeader.MessageID != 3 {
		t.Error("消息 ID 不一致")
	}
	if len(payloads) != 2 {
		t.Fatalf("内层载荷数量: %d", len(payloads))
	}
	del := payloads[0].(*PayloadDelete)
	if spis := del.ChildSPIs(); len(spis) != 1 || spis[0] != 0x11223344 {
		t.Error("Delete 载荷往返不一致")
	}
}

// TestSKBitFlipRejected 任意位翻转都必须报完整性失败
func TestSKBitFlipRejected(t *testing.T) {
	st := newCBCState(t)
	header := &IKEHeader{
		Version: IKEVersion2, ExchangeType: INFORMATIONAL,
		Flags: FlagInitiator, MessageID: 1,
	}
	raw, err := EncodeSK(header, []Payload{NewDeleteIKE()}, st)
	if err != nil {
		t.Fatal(err)
	}

	// 头部 / IV / 密文 / ICV 各翻一位
	for _, pos := range []int{0, 20, IKE_HEADER_LEN + PAYLOAD_HEADER_LEN + 2, len(raw) - 1} {
		bad := append([]byte(nil), raw...)
		bad[pos] ^= 0x80
		if _, _, err := DecodeSK(bad, st); !errors.Is(err, ErrIntegrityCheckFailed) {
			// 长度字段被翻转时可能先报语法错误，同样不能成功
			if err == nil {
				t.Errorf("pos=%d: 位翻转后解码竟然成功", pos)
			}
		}
	}
}

func TestSKRoundTripGCM(t *testing.T) {
	enc, err := crypto.GetEncrypterWithKeyLen(20, 128)
	if err != nil {
		t.Fatal(err)
	}
	integ, _ := crypto.GetIntegrityAlgorithm(0)
	st := &SKCipherState{
		Enc:    enc,
		Integ:  integ,
		EncKey: []byte("0123456789abcdefSALT"), // 16 密钥 + 4 盐
	}

	header := &IKEHeader{
		Version: IKEVersion2, ExchangeType: IKE_AUTH,
		Flags: FlagInitiator, MessageID: 2,
	}
	inner := []Payload{&PayloadEAP{EAPMessage: []byte{2, 1, 0, 4}}}

	raw, err := EncodeSK(header, inner, st)
	if err != nil {
		t.Fatalf("EncodeSK (GCM) 失败: %v", err)
	}
	_, payloads, err := DecodeSK(raw, st)
	if err != nil {
		t.Fatalf("DecodeSK (GCM) 失败: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatal("内层载荷丢失")
	}
	if !bytes.Equal(payloads[0].(*PayloadEAP).EAPMessage, []byte{2, 1, 0, 4}) {
		t.Error("EAP 载荷往返不一致")
	}

	bad := append([]byte(nil), raw...)
	bad[len(bad)-1] ^= 1
	if _, _, err := DecodeSK(bad, st); !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Errorf("GCM 篡改应报完整性失败, got %v", err)
	}
}

// TestSKPaddingProperty 任意明文长度与块大小组合的填充规则
func TestSKPaddingProperty(t *testing.T) {
	st := newCBCState(t)
	block := st.Enc.BlockSize()

	for n := 0; n < 3*block; n++ {
		notify := &PayloadNotify{
			ProtocolID: ProtoIKE,
			NotifyType: COOKIE,
			NotifyData: make([]byte, n),
		}
		header := &IKEHeader{Version: IKEVersion2, ExchangeType: INFORMATIONAL, Flags: FlagInitiator}
		raw, err := EncodeSK(header, []Payload{notify}, st)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		_, payloads, err := DecodeSK(raw, st)
		if err != nil {
			t.Fatalf("n=%d: 解码失败: %v", n, err)
		}
		got := payloads[0].(*PayloadNotify)
		if len(got.NotifyData) != n {
			t.Errorf("n=%d: 往返后数据长度 %d", n, len(got.NotifyData))
		}
	}
}

func TestValidateProposalResponse(t *testing.T) {
	offered := []*Proposal{}
	p1 := NewProposal(1, ProtoESP, []byte{0, 0, 0, 1})
	p1.AddTransform(TransformTypeEncr, ENCR_AES_GCM_16, 128)
	p1.AddTransform(TransformTypeESN, 0, 0)
	p2 := NewProposal(2, ProtoESP, []byte{0, 0, 0, 1})
	p2.AddTransform(TransformTypeEncr, ENCR_AES_CBC, 128)
	p2.AddTransform(TransformTypeInteg, AUTH_HMAC_SHA1_96, 0)
	offered = append(offered, p1, p2)

	// 响应选了提议 2
	chosen := NewProposal(2, ProtoESP, []byte{0, 0, 0, 9})
	chosen.AddTransform(TransformTypeEncr, ENCR_AES_CBC, 128)
	chosen.AddTransform(TransformTypeInteg, AUTH_HMAC_SHA1_96, 0)

	m, err := ValidateProposalResponse(offered, &PayloadSA{Proposals: []*Proposal{chosen}})
	if err != nil {
		t.Fatalf("合法响应被拒: %v", err)
	}
	if m.Encr != ENCR_AES_CBC || m.Integ != AUTH_HMAC_SHA1_96 {
		t.Error("算法提取错误")
	}

	// 多个 Proposal 的响应要被拒
	multi := &PayloadSA{Proposals: []*Proposal{p1, p2}}
	if _, err := ValidateProposalResponse(offered, multi); err == nil {
		t.Error("多 Proposal 响应应被拒")
	}

	// 发明新算法的响应要被拒
	invented := NewProposal(1, ProtoESP, []byte{0, 0, 0, 9})
	invented.AddTransform(TransformTypeEncr, ENCR_3DES, 0)
	if _, err := ValidateProposalResponse(offered, &PayloadSA{Proposals: []*Proposal{invented}}); err == nil {
		t.Error("提供集之外的算法应被拒")
	}
}
