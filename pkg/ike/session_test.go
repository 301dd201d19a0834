package ike

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/eap"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/ipsec"
	"github.com/iniwex5/ike-go/pkg/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ------------------------------------------------------------------
// 假时钟

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance 推进时间并同步触发到期定时器
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// ------------------------------------------------------------------
// 假报文传输

type fakeSocket struct {
	out       chan []byte
	in        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	encap     bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		out:    make(chan []byte, 64),
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) Send(b []byte) error {
	select {
	case f.out <- append([]byte(nil), b...):
	case <-f.closed:
	}
	return nil
}

func (f *fakeSocket) Packets() <-chan []byte   { return f.in }
func (f *fakeSocket) SwitchToEncapPort() error { f.encap = true; return nil }

func (f *fakeSocket) LocalAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 200), Port: 500}
}

func (f *fakeSocket) RemoteAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 100), Port: 500}
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) inject(b []byte) {
	f.in <- append([]byte(nil), b...)
}

func (f *fakeSocket) expectSend(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.out:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("等待出站报文超时")
		return nil
	}
}

// ------------------------------------------------------------------
// 回调收集器

type sessionEvents struct {
	opened chan *SessionConfiguration
	closed chan struct{}
	errs   chan error
}

func newSessionEvents() *sessionEvents {
	return &sessionEvents{
		opened: make(chan *SessionConfiguration, 4),
		closed: make(chan struct{}, 4),
		errs:   make(chan error, 8),
	}
}

func (e *sessionEvents) OnOpened(cfg *SessionConfiguration) { e.opened <- cfg }
func (e *sessionEvents) OnClosed()                          { e.closed <- struct{}{} }
func (e *sessionEvents) OnError(err error)                  { e.errs <- err }

type childEvents struct {
	opened     chan struct{}
	closed     chan struct{}
	transforms chan ipsec.Direction
	deleted    chan ipsec.Direction
	errs       chan error
}

func newChildEvents() *childEvents {
	return &childEvents{
		opened:     make(chan struct{}, 4),
		closed:     make(chan struct{}, 4),
		transforms: make(chan ipsec.Direction, 8),
		deleted:    make(chan ipsec.Direction, 8),
		errs:       make(chan error, 8),
	}
}

func (e *childEvents) OnOpened() { e.opened <- struct{}{} }
func (e *childEvents) OnClosed() { e.closed <- struct{}{} }
func (e *childEvents) OnIpsecTransformCreated(tr *ipsec.OwnedTransform, d ipsec.Direction) {
	e.transforms <- d
}
func (e *childEvents) OnIpsecTransformDeleted(tr *ipsec.OwnedTransform, d ipsec.Direction) {
	e.deleted <- d
}
func (e *childEvents) OnError(err error) { e.errs <- err }

// ------------------------------------------------------------------
// 脚本化的对端 (响应方)

var (
	peerRES = bytes.Repeat([]byte{0xAA}, 8)
	peerCK  = bytes.Repeat([]byte{0xBB}, 16)
	peerIK  = bytes.Repeat([]byte{0xCC}, 16)
)

const peerIdentity = "0123456789@example"

type testPeer struct {
	t    *testing.T
	sock *fakeSocket

	spiI, spiR uint64
	keys       *ikev2.IKESAKeys
	enc        crypto.Encrypter
	integ      crypto.IntegrityAlgorithm
	prf        crypto.PRF

	ni, nr        []byte
	initRespBytes []byte
	msk           []byte

	childSpi uint32 // 对端 (响应方) 的 Child SPI
}

func newTestPeer(t *testing.T, sock *fakeSocket) *testPeer {
	return &testPeer{t: t, sock: sock, spiR: 0x909232B3D1EDCB5C, childSpi: 0x0000CAFE}
}

// inboundState 解密发起方报文的方向密钥
func (p *testPeer) inboundState() *ikev2.SKCipherState {
	return &ikev2.SKCipherState{Enc: p.enc, Integ: p.integ, EncKey: p.keys.SK_ei, IntegKey: p.keys.SK_ai}
}

func (p *testPeer) outboundState() *ikev2.SKCipherState {
	return &ikev2.SKCipherState{Enc: p.enc, Integ: p.integ, EncKey: p.keys.SK_er, IntegKey: p.keys.SK_ar}
}

// respondInit 消费发起方 INIT 请求并注入响应
func (p *testPeer) respondInit() {
	t := p.t
	raw := p.sock.expectSend(t)
	req, err := ikev2.DecodePacket(raw)
	if err != nil {
		t.Fatalf("peer: 解析 INIT 请求失败: %v", err)
	}
	p.spiI = req.Header.SPIi

	var saPl *ikev2.PayloadSA
	var kePl *ikev2.PayloadKE
	var noncePl *ikev2.PayloadNonce
	for _, pl := range req.Payloads {
		switch x := pl.(type) {
		case *ikev2.PayloadSA:
			saPl = x
		case *ikev2.PayloadKE:
			kePl = x
		case *ikev2.PayloadNonce:
			noncePl = x
		}
	}
	if saPl == nil || kePl == nil || noncePl == nil {
		t.Fatal("peer: INIT 请求载荷不全")
	}
	p.ni = noncePl.NonceData

	dh, _ := crypto.NewDiffieHellman(uint16(kePl.DHGroup))
	if err := dh.GenerateKey(); err != nil {
		t.Fatal(err)
	}
	shared, err := dh.ComputeSharedSecret(kePl.KEData)
	if err != nil {
		t.Fatal(err)
	}

	p.nr, _ = crypto.RandomBytes(32)

	chosen := saPl.Proposals[0]
	m := ikev2.ExtractAlgorithms(chosen)
	p.prf, _ = crypto.GetPRF(uint16(m.PRF))
	p.enc, _ = crypto.GetEncrypterWithKeyLen(uint16(m.Encr), int(m.EncrKeyLen))
	p.integ, _ = crypto.GetIntegrityAlgorithm(uint16(m.Integ))

	skeyseed := ikev2.ComputeSKEYSEED(p.prf, p.ni, p.nr, shared)
	encKeyLen := p.enc.KeySize() + crypto.SaltSize(p.enc)
	integKeyLen := 0
	if !p.enc.IsAEAD() {
		integKeyLen = p.integ.KeySize()
	}
	p.keys, err = ikev2.DeriveIKESAKeys(p.prf, skeyseed, p.ni, p.nr, p.spiI, p.spiR, encKeyLen, integKeyLen)
	if err != nil {
		t.Fatal(err)
	}

	resp := &ikev2.IKEPacket{
		Header: &ikev2.IKEHeader{
			SPIi:         p.spiI,
			SPIr:         p.spiR,
			Version:      ikev2.IKEVersion2,
			ExchangeType: ikev2.IKE_SA_INIT,
			Flags:        ikev2.FlagResponse,
		},
		Payloads: []ikev2.Payload{
			&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{chosen}},
			&ikev2.PayloadKE{DHGroup: kePl.DHGroup, KEData: dh.PublicKeyBytes()},
			&ikev2.PayloadNonce{NonceData: p.nr},
		},
	}
	respRaw, err := resp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	p.initRespBytes = respRaw
	p.sock.inject(respRaw)
}

// recvSK 消费并解密下一条发起方请求
func (p *testPeer) recvSK() (*ikev2.IKEHeader, []ikev2.Payload) {
	raw := p.sock.expectSend(p.t)
	header, payloads, err := ikev2.DecodeSK(raw, p.inboundState())
	if err != nil {
		p.t.Fatalf("peer: 解密请求失败: %v", err)
	}
	return header, payloads
}

// sendResp 加密注入一条响应
func (p *testPeer) sendResp(msgID uint32, exch ikev2.ExchangeType, payloads []ikev2.Payload) []byte {
	header := &ikev2.IKEHeader{
		SPIi:         p.spiI,
		SPIr:         p.spiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: exch,
		Flags:        ikev2.FlagResponse,
		MessageID:    msgID,
	}
	raw, err := ikev2.EncodeSK(header, payloads, p.outboundState())
	if err != nil {
		p.t.Fatal(err)
	}
	p.sock.inject(raw)
	return raw
}

// sendReq 加密注入一条对端请求
func (p *testPeer) sendReq(msgID uint32, exch ikev2.ExchangeType, payloads []ikev2.Payload) []byte {
	header := &ikev2.IKEHeader{
		SPIi:         p.spiI,
		SPIr:         p.spiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: exch,
		MessageID:    msgID,
	}
	raw, err := ikev2.EncodeSK(header, payloads, p.outboundState())
	if err != nil {
		p.t.Fatal(err)
	}
	p.sock.inject(raw)
	return raw
}

func peerKAutMsk() (kAut, msk []byte) {
	h := sha1.New()
	h.Write([]byte(peerIdentity))
	h.Write(peerIK)
	h.Write(peerCK)
	mk := h.Sum(nil)
	keyMat := crypto.NewFIPS1862PRFSHA1(mk).Bytes(nil, 160)
	return keyMat[16:32], keyMat[32:96]
}

func buildPeerChallenge(identifier uint8, kAut []byte) []byte {
	var attrs []byte
	atRand := &eap.Attribute{Type: eap.AT_RAND, Value: append([]byte{0, 0}, bytes.Repeat([]byte{0x11}, 16)...)}
	attrs = append(attrs, atRand.Encode()...)
	atAutn := &eap.Attribute{Type: eap.AT_AUTN, Value: append([]byte{0, 0}, bytes.Repeat([]byte{0x22}, 16)...)}
	attrs = append(attrs, atAutn.Encode()...)
	macOffset := len(attrs)
	atMac := &eap.Attribute{Type: eap.AT_MAC, Value: make([]byte, 18)}
	attrs = append(attrs, atMac.Encode()...)

	pkt := &eap.Packet{
		Code:       eap.CodeRequest,
		Identifier: identifier,
		Type:       eap.TypeAKA,
		Subtype:    eap.SubtypeChallenge,
		Data:       attrs,
	}
	raw := pkt.Encode()
	mac := hmac.New(sha1.New, kAut)
	mac.Write(raw)
	copy(raw[8+macOffset+4:], mac.Sum(nil)[:16])
	return raw
}

// runAuth 驱动 IKE_AUTH 的 EAP 循环直到最终响应发出
func (p *testPeer) runAuth() {
	t := p.t
	kAut, msk := peerKAutMsk()
	p.msk = msk

	// 消息 1: IDi, SA2, TSi, TSr
	h1, pls1 := p.recvSK()
	if h1.ExchangeType != ikev2.IKE_AUTH || h1.MessageID != 1 {
		t.Fatalf("peer: 预期 IKE_AUTH msg 1, got exch=%d id=%d", h1.ExchangeType, h1.MessageID)
	}
	var saPl *ikev2.PayloadSA
	var tsiPl, tsrPl *ikev2.PayloadTS
	for _, pl := range pls1 {
		switch x := pl.(type) {
		case *ikev2.PayloadSA:
			saPl = x
		case *ikev2.PayloadTS:
			if x.IsInitiator {
				tsiPl = x
			} else {
				tsrPl = x
			}
		}
	}
	if saPl == nil || tsiPl == nil || tsrPl == nil {
		t.Fatal("peer: IKE_AUTH 请求缺少 SA2/TS")
	}

	// 响应 1: EAP 挑战
	p.sendResp(1, ikev2.IKE_AUTH, []ikev2.Payload{
		&ikev2.PayloadEAP{EAPMessage: buildPeerChallenge(1, kAut)},
	})

	// 消息 2: EAP 挑战响应
	h2, _ := p.recvSK()
	if h2.MessageID != 2 {
		t.Fatalf("peer: 预期 msg 2, got %d", h2.MessageID)
	}
	// 响应 2: EAP Success
	successPkt := &eap.Packet{Code: eap.CodeSuccess, Identifier: 1}
	p.sendResp(2, ikev2.IKE_AUTH, []ikev2.Payload{
		&ikev2.PayloadEAP{EAPMessage: successPkt.Encode()},
	})

	// 消息 3: 最终 AUTH
	h3, pls3 := p.recvSK()
	if h3.MessageID != 3 {
		t.Fatalf("peer: 预期 msg 3, got %d", h3.MessageID)
	}
	var gotAuth *ikev2.PayloadAuth
	for _, pl := range pls3 {
		if a, ok := pl.(*ikev2.PayloadAuth); ok {
			gotAuth = a
		}
	}
	if gotAuth == nil {
		t.Fatal("peer: 最终请求缺少 AUTH")
	}

	// 响应 3: IDr + AUTH + 选定的 Child SA + TS
	idr := &ikev2.PayloadID{IDType: ikev2.ID_FQDN, IDData: []byte("epdg.example")}
	idrBody, _ := idr.Encode()

	authKey := p.prf.Compute(p.msk, []byte("Key Pad for IKEv2"))
	idHash := p.prf.Compute(p.keys.SK_pr, idrBody)
	var octets []byte
	octets = append(octets, p.initRespBytes...)
	octets = append(octets, p.ni...)
	octets = append(octets, idHash...)
	authData := p.prf.Compute(authKey, octets)

	childSpiBytes := []byte{0, 0, byte(p.childSpi >> 8), byte(p.childSpi)}
	chosenChild := ikev2.CloneProposalWithSPI(saPl.Proposals[0], childSpiBytes)

	p.sendResp(3, ikev2.IKE_AUTH, []ikev2.Payload{
		idr,
		&ikev2.PayloadAuth{AuthMethod: ikev2.AuthMethodSharedKey, AuthData: authData},
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{chosenChild}},
		tsiPl,
		tsrPl,
	})
}

// ------------------------------------------------------------------
// 测试用会话装配

func testConfig() *SessionConfig {
	return &SessionConfig{
		LocalAddr:      net.IPv4(192, 0, 2, 200),
		RemoteAddr:     net.IPv4(192, 0, 2, 100),
		SaProposals:    DefaultIkeProposals()[:1], // AES-CBC + SHA1 确定性路径
		ChildProposals: DefaultChildProposals()[1:2],
		EapMethod:      eap.TypeAKA,
		SimProvider:    &testSim{},
		LocalIdentity:  peerIdentity,
	}
}

type testSim struct{}

func (t *testSim) Identity(app sim.AppType) (string, error) { return peerIdentity, nil }

func (t *testSim) AuthenticateAka(rand, autn []byte) (*sim.AkaResult, error) {
	return &sim.AkaResult{RES: peerRES, CK: peerCK, IK: peerIK}, nil
}

func (t *testSim) AuthenticateGsm(rand []byte) ([]byte, []byte, error) {
	return nil, nil, sim.ErrAuthFailed
}

func (t *testSim) Close() error { return nil }

type harness struct {
	sess      *IkeSession
	sock      *fakeSocket
	clock     *fakeClock
	installer *ipsec.MemoryInstaller
	peer      *testPeer
	sev       *sessionEvents
	cev       *childEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sock := newFakeSocket()
	clock := newFakeClock()
	installer := ipsec.NewMemoryInstaller()
	sev := newSessionEvents()
	cev := newChildEvents()

	sess, err := NewIkeSession(testConfig(), Deps{
		Socket:    sock,
		Installer: installer,
		Clock:     clock,
	}, sev, cev)
	if err != nil {
		t.Fatalf("NewIkeSession 失败: %v", err)
	}

	return &harness{
		sess:      sess,
		sock:      sock,
		clock:     clock,
		installer: installer,
		peer:      newTestPeer(t, sock),
		sev:       sev,
		cev:       cev,
	}
}

// openSession 驱动完整握手直到 OnOpened
func (h *harness) openSession(t *testing.T) {
	t.Helper()
	h.sess.Open()
	h.peer.respondInit()
	h.peer.runAuth()

	select {
	case <-h.sev.opened:
	case err := <-h.sev.errs:
		t.Fatalf("握手失败: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("等待 OnOpened 超时")
	}
}

func waitClosed(t *testing.T, sev *sessionEvents) {
	t.Helper()
	select {
	case <-sev.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("等待 OnClosed 超时")
	}
}

// ------------------------------------------------------------------
// 用例

// TestHandshakeToOpened 完整 INIT → AUTH(EAP-AKA) → 首条 Child 建立
func TestHandshakeToOpened(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)

	// 首条 Child: 双向变换创建回调
	dirs := map[ipsec.Direction]bool{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-h.cev.transforms:
			dirs[d] = true
		case <-time.After(2 * time.Second):
			t.Fatal("等待变换创建回调超时")
		}
	}
	if !dirs[ipsec.DirectionIn] || !dirs[ipsec.DirectionOut] {
		t.Error("应安装两个方向的变换")
	}

	select {
	case <-h.cev.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("等待 Child OnOpened 超时")
	}

	h.sess.Kill()
	waitClosed(t, h.sev)

	if n := h.installer.LiveCount(); n != 0 {
		t.Errorf("强制关闭后泄漏 %d 个内核资源", n)
	}
}

// TestInitRetransmission 未确认的请求按退避原样重传 (相同字节、相同消息 ID)
func TestInitRetransmission(t *testing.T) {
	h := newHarness(t)
	h.sess.Open()

	first := h.sock.expectSend(t)

	// 第一次退避 500ms
	h.clock.Advance(500 * time.Millisecond)
	second := h.sock.expectSend(t)
	if !bytes.Equal(first, second) {
		t.Error("重传字节与原请求不一致")
	}

	// 第二次退避 1s
	h.clock.Advance(time.Second)
	third := h.sock.expectSend(t)
	if !bytes.Equal(first, third) {
		t.Error("第二次重传字节不一致")
	}

	h.sess.Kill()
	waitClosed(t, h.sev)
}

// TestRetransmissionCapClosesSession 重传 8 次耗尽后报 Timeout 并关闭
func TestRetransmissionCapClosesSession(t *testing.T) {
	h := newHarness(t)
	h.sess.Open()
	h.sock.expectSend(t)

	// 总计推进足够多的退避时间 (500ms * (2^8-1) < 130s)；
	// 多推几轮，保证每次重传定时器都被触发到
	for i := 0; i < 2*retransMaxAttempts; i++ {
		h.clock.Advance(200 * time.Second)
		// 每次推进都清掉可能的重传报文
		select {
		case <-h.sock.out:
		case <-time.After(50 * time.Millisecond):
		}
	}

	select {
	case err := <-h.sev.errs:
		perr, ok := err.(*ProtocolError)
		if !ok || perr.Kind != ErrTimeout {
			t.Errorf("应报 Timeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("等待 Timeout 错误超时")
	}
	waitClosed(t, h.sev)
}

// TestDuplicateRequestGetsCachedResponse 重复消息 ID 的请求原样重发缓存响应
func TestDuplicateRequestGetsCachedResponse(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)

	// 对端 DPD 请求 (msg 0)
	reqRaw := h.peer.sendReq(0, ikev2.INFORMATIONAL, nil)
	resp1 := h.sock.expectSend(t)

	// 同一请求重放: 响应字节必须逐字相同
	h.sock.inject(reqRaw)
	resp2 := h.sock.expectSend(t)
	if !bytes.Equal(resp1, resp2) {
		t.Error("缓存响应与原响应不一致")
	}

	// 意外消息 ID 的请求被忽略
	h.peer.sendReq(5, ikev2.INFORMATIONAL, nil)
	select {
	case b := <-h.sock.out:
		t.Errorf("越窗请求不应有响应, got %d 字节", len(b))
	case <-time.After(200 * time.Millisecond):
	}

	h.sess.Kill()
	waitClosed(t, h.sev)
}

// TestRemoteDeleteChild 对端删除 Child: 回带本端 SPI 的 Delete 并拆除
func TestRemoteDeleteChild(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	del := ikev2.NewDeleteChild(h.peer.childSpi)
	h.peer.sendReq(0, ikev2.INFORMATIONAL, []ikev2.Payload{del})

	respRaw := h.sock.expectSend(t)
	_, pls, err := ikev2.DecodeSK(respRaw, h.peer.outboundStateForResp())
	if err != nil {
		t.Fatalf("解密 Delete 响应失败: %v", err)
	}
	found := false
	for _, pl := range pls {
		if d, ok := pl.(*ikev2.PayloadDelete); ok && d.ProtocolID == ikev2.ProtoESP {
			found = true
		}
	}
	if !found {
		t.Error("Delete 响应应携带本端 SPI 的 Delete 载荷")
	}

	select {
	case <-h.cev.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("等待 Child OnClosed 超时")
	}

	h.sess.Kill()
	waitClosed(t, h.sev)

	if n := h.installer.LiveCount(); n != 0 {
		t.Errorf("删除后泄漏 %d 个内核资源", n)
	}
}

// TestGracefulClose Close 发送 Delete-IKE 并在响应后进入 Closed
func TestGracefulClose(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	h.sess.Close()

	raw := h.sock.expectSend(t)
	header, pls, err := ikev2.DecodeSK(raw, h.peer.inboundState())
	if err != nil {
		t.Fatalf("解密 Delete-IKE 失败: %v", err)
	}
	hasDel := false
	for _, pl := range pls {
		if d, ok := pl.(*ikev2.PayloadDelete); ok && d.ProtocolID == ikev2.ProtoIKE {
			hasDel = true
		}
	}
	if !hasDel {
		t.Fatal("Close 应发送 Delete-IKE")
	}

	h.peer.sendResp(header.MessageID, ikev2.INFORMATIONAL, nil)
	waitClosed(t, h.sev)

	if n := h.installer.LiveCount(); n != 0 {
		t.Errorf("关闭后泄漏 %d 个内核资源", n)
	}
}

// TestDpdExchange 本端 DPD: 空 INFORMATIONAL 请求/响应
func TestDpdExchange(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	h.sess.SendDpd()
	raw := h.sock.expectSend(t)
	header, pls, err := ikev2.DecodeSK(raw, h.peer.inboundState())
	if err != nil {
		t.Fatalf("解密 DPD 失败: %v", err)
	}
	if header.ExchangeType != ikev2.INFORMATIONAL || len(pls) != 0 {
		t.Error("DPD 应是空 INFORMATIONAL")
	}
	h.peer.sendResp(header.MessageID, ikev2.INFORMATIONAL, nil)

	h.sess.Kill()
	waitClosed(t, h.sev)
}

// outboundStateForResp 对端解密本端响应用 (本端出站 = SK_ei/SK_ai)
func (p *testPeer) outboundStateForResp() *ikev2.SKCipherState {
	return p.inboundState()
}

func drainTransformEvents(cev *childEvents) {
	for {
		select {
		case <-cev.transforms:
		case <-cev.opened:
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}
