package ike

import (
	"testing"
	"time"

	"github.com/iniwex5/ike-go/pkg/ikev2"
)

func TestRequestQueueFIFO(t *testing.T) {
	q := &requestQueue{}
	q.enqueue(&localRequest{kind: reqCreateChild})
	q.enqueue(&localRequest{kind: reqRekeyChild})
	q.enqueue(&localRequest{kind: reqDeleteIke})

	if q.dequeue().kind != reqCreateChild {
		t.Error("出队顺序错误")
	}
	if q.dequeue().kind != reqRekeyChild {
		t.Error("出队顺序错误")
	}
	if q.dequeue().kind != reqDeleteIke {
		t.Error("出队顺序错误")
	}
	if q.dequeue() != nil {
		t.Error("空队列应返回 nil")
	}
}

func TestRequestQueueRemoveIf(t *testing.T) {
	q := &requestQueue{}
	q.enqueue(&localRequest{kind: reqRekeyChild, childLocalSpi: 1})
	q.enqueue(&localRequest{kind: reqRekeyChild, childLocalSpi: 2})
	q.enqueue(&localRequest{kind: reqDeleteChild, childLocalSpi: 1})

	removed := q.removeIf(func(r *localRequest) bool { return r.childLocalSpi == 1 })
	if removed != 2 {
		t.Errorf("应移除 2 项, got %d", removed)
	}
	head := q.dequeue()
	if head == nil || head.childLocalSpi != 2 {
		t.Error("留下的应是 spi=2 的请求")
	}
}

func TestRetransBackoff(t *testing.T) {
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		if got := nextRetransDelay(i); got != w {
			t.Errorf("第 %d 次退避: got %v want %v", i, got, w)
		}
	}
}

func TestSessionConfigLifetimeValidation(t *testing.T) {
	base := func() *SessionConfig {
		cfg := testConfig()
		return cfg
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	if cfg.HardLifetimeSec != 7200 || cfg.SoftLifetimeSec != 3600 {
		t.Error("默认生命周期填充错误")
	}

	cases := []struct {
		hard, soft uint32
		ok         bool
	}{
		{300, 120, true},
		{14400, 3600, true},
		{299, 120, false},   // hard 太短
		{14401, 3600, false}, // hard 太长
		{600, 119, false},   // soft 太短
		{600, 560, false},   // soft > hard-60
		{600, 540, true},
	}
	for _, tc := range cases {
		cfg := base()
		cfg.HardLifetimeSec = tc.hard
		cfg.SoftLifetimeSec = tc.soft
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("hard=%d soft=%d 应合法: %v", tc.hard, tc.soft, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("hard=%d soft=%d 应被拒", tc.hard, tc.soft)
		}
	}
}

func TestClassifyInbound(t *testing.T) {
	cases := []struct {
		name string
		exch ikev2.ExchangeType
		pls  []ikev2.Payload
		want IkeExchangeSubType
	}{
		{"delete-ike", ikev2.INFORMATIONAL,
			[]ikev2.Payload{ikev2.NewDeleteIKE()}, SubTypeDeleteIke},
		{"delete-child", ikev2.INFORMATIONAL,
			[]ikev2.Payload{ikev2.NewDeleteChild(1)}, SubTypeDeleteChild},
		{"dpd", ikev2.INFORMATIONAL, nil, SubTypeInformationalOther},
		{"rekey-ike", ikev2.CREATE_CHILD_SA,
			[]ikev2.Payload{&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{
				ikev2.NewProposal(1, ikev2.ProtoIKE, make([]byte, 8)),
			}}}, SubTypeRekeyIke},
		{"rekey-child", ikev2.CREATE_CHILD_SA,
			[]ikev2.Payload{
				&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{
					ikev2.NewProposal(1, ikev2.ProtoESP, make([]byte, 4)),
				}},
				&ikev2.PayloadNotify{ProtocolID: ikev2.ProtoESP, NotifyType: ikev2.REKEY_SA, SPI: make([]byte, 4)},
			}, SubTypeRekeyChild},
		{"create-child", ikev2.CREATE_CHILD_SA,
			[]ikev2.Payload{&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{
				ikev2.NewProposal(1, ikev2.ProtoESP, make([]byte, 4)),
			}}}, SubTypeCreateChild},
	}

	for _, tc := range cases {
		hdr := &ikev2.IKEHeader{ExchangeType: tc.exch}
		if got := classifyInbound(hdr, tc.pls); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
