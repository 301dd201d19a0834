package ike

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/eap"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/ipsec"
	"github.com/iniwex5/ike-go/pkg/logger"
	"go.uber.org/zap"
)

// sessionState IKE 会话状态机的状态
type sessionState int

const (
	stateInitial sessionState = iota
	stateIkeInitLocal
	stateIkeAuthLocal
	stateIdle
	stateCreateChildLocal
	stateDeleteIkeLocal
	stateRekeyIkeLocal
	stateRekeyIkeRemote
	stateRekeyIkeSimul
	stateChildProcedureOngoing
	stateReceiving
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateInitial:
		return "Initial"
	case stateIkeInitLocal:
		return "IkeInitLocal"
	case stateIkeAuthLocal:
		return "IkeAuthLocal"
	case stateIdle:
		return "Idle"
	case stateCreateChildLocal:
		return "CreateChildLocal"
	case stateDeleteIkeLocal:
		return "DeleteIkeLocal"
	case stateRekeyIkeLocal:
		return "RekeyIkeLocal"
	case stateRekeyIkeRemote:
		return "RekeyIkeRemote"
	case stateRekeyIkeSimul:
		return "RekeyIkeSimul"
	case stateChildProcedureOngoing:
		return "ChildProcedureOngoing"
	case stateReceiving:
		return "Receiving"
	case stateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Deps 可注入的外部协作者，零值用默认实现
type Deps struct {
	Socket    DatagramSocket
	Installer ipsec.TransformInstaller
	Clock     Clock
	Executor  Executor
	Logger    *zap.Logger
}

// IkeSession IKE 会话: 持有当前 IKE SA、在途交换、本地请求队列和
// 全部存活的 Child 会话。所有状态只在会话事件循环上变化。
type IkeSession struct {
	cfg       *SessionConfig
	cb        SessionCallback
	exec      Executor
	clock     Clock
	sock      DatagramSocket
	installer ipsec.TransformInstaller
	log       *zap.Logger

	state sessionState
	sa    *IkeSaRecord

	// 事件循环
	events chan func()
	done   chan struct{}

	// 在途的本端请求 (窗口 1)
	pending *pendingExchange
	// 上一条已回应的对端请求的缓存响应 (重复请求原样重发)
	lastRespBytes []byte
	lastRespMsgID uint32
	haveLastResp  bool

	queue requestQueue

	// INIT/AUTH 过程瞬态
	dh            *crypto.DiffieHellman
	ni, nr        []byte
	initReqBytes  []byte // AUTH octets 需要的原始 INIT 请求
	initRespBytes []byte
	chosenAlgs    *ikev2.MatchedAlgorithms
	natDetected   bool
	cookie        []byte

	eapMachine *eap.Machine
	msk        []byte
	identity   []byte

	// Child 会话: 本端 Child SPI → 会话；远端 SPI → 会话 (含临时注册)
	children     map[uint32]*ChildSession
	remoteSpiMap map[uint32]*ChildSession

	firstChildCb      ChildCallback
	pendingFirstChild *ChildSession

	// INIT 阶段尚无 SA 记录时的本端 SPI
	pendingSpiI uint64
	// 响应方 ID 载荷主体 (AUTH octets 需要)
	responderIDBody []byte

	// Rekey-IKE 过程状态
	rekeyIke        *rekeyIkeProcedure
	rekeyIkeOffered []*ikev2.Proposal

	opened bool
}

// NewIkeSession 创建会话 (不发起网络流量，Open 才开始)
func NewIkeSession(cfg *SessionConfig, deps Deps, cb SessionCallback, firstChildCb ChildCallback) (*IkeSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cb == nil || firstChildCb == nil {
		return nil, errors.New("缺少会话/Child 回调")
	}

	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Executor == nil {
		deps.Executor = newSerialExecutor()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Named("ike")
	}
	if deps.Installer == nil {
		deps.Installer = ipsec.NewXFRMInstaller()
	}
	if deps.Socket == nil {
		sock, err := ipsec.NewUDPSocket(cfg.LocalAddr, cfg.RemoteAddr, cfg.RemotePort)
		if err != nil {
			return nil, err
		}
		deps.Socket = sock
	}

	s := &IkeSession{
		cfg:          cfg,
		cb:           cb,
		exec:         deps.Executor,
		clock:        deps.Clock,
		sock:         deps.Socket,
		installer:    deps.Installer,
		log:          deps.Logger,
		state:        stateInitial,
		events:       make(chan func(), 128),
		done:         make(chan struct{}),
		children:     make(map[uint32]*ChildSession),
		remoteSpiMap: make(map[uint32]*ChildSession),
		firstChildCb: firstChildCb,
	}

	go s.run()
	go s.pumpSocket()
	return s, nil
}

// run 会话事件循环: 一切状态机进展都在这里串行执行
func (s *IkeSession) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *IkeSession) pumpSocket() {
	for {
		select {
		case <-s.done:
			return
		case b, ok := <-s.sock.Packets():
			if !ok {
				return
			}
			s.post(func() { s.handleDatagram(b) })
		}
	}
}

// post 把事件投递到会话循环；会话关闭后静默丢弃
func (s *IkeSession) post(fn func()) {
	select {
	case <-s.done:
	case s.events <- fn:
	}
}

// ------------------------------------------------------------------
// 用户 API: 全部通过 post 进入循环

// Open 发起 IKE_SA_INIT / IKE_AUTH 建链，完成后隐式创建第一条 Child SA
func (s *IkeSession) Open() {
	s.post(s.startOpen)
}

// CreateChildSession 排队创建一条新的 Child SA
func (s *IkeSession) CreateChildSession(cb ChildCallback) {
	s.post(func() {
		s.queue.enqueue(&localRequest{kind: reqCreateChild, childCb: cb})
		s.dequeueNext()
	})
}

// DeleteChildSession 排队删除指定本端 SPI 的 Child SA
func (s *IkeSession) DeleteChildSession(localSpi uint32) {
	s.post(func() {
		s.queue.enqueue(&localRequest{kind: reqDeleteChild, childLocalSpi: localSpi})
		s.dequeueNext()
	})
}

// RekeyChildSession 排队 Rekey 指定的 Child SA
func (s *IkeSession) RekeyChildSession(localSpi uint32) {
	s.post(func() {
		s.queue.enqueue(&localRequest{kind: reqRekeyChild, childLocalSpi: localSpi})
		s.dequeueNext()
	})
}

// RekeyIkeSession 排队 Rekey 整条 IKE SA
func (s *IkeSession) RekeyIkeSession() {
	s.post(func() {
		s.queue.enqueue(&localRequest{kind: reqRekeyIke, ikeSaTag: s.sa})
		s.dequeueNext()
	})
}

// SendDpd 排队一次空 INFORMATIONAL 交换 (存活探测)
func (s *IkeSession) SendDpd() {
	s.post(func() {
		s.queue.enqueue(&localRequest{kind: reqInfo})
		s.dequeueNext()
	})
}

// Close 优雅关闭: 抢占排队中的本地请求，发送 Delete-IKE 后进入 Closed
func (s *IkeSession) Close() {
	s.post(func() {
		if s.state == stateClosed {
			return
		}
		// 抢占一切排队请求
		s.queue.removeIf(func(*localRequest) bool { return true })
		if s.state == stateIdle {
			s.startDeleteIke()
		} else if s.state == stateInitial {
			s.closeInternal(nil, false)
		} else {
			// 当前过程结束后执行
			s.queue.enqueue(&localRequest{kind: reqDeleteIke})
		}
	})
}

// Kill 强制关闭: 不发网络流量，直接释放全部资源
func (s *IkeSession) Kill() {
	s.post(func() {
		if s.state == stateClosed {
			return
		}
		s.closeInternal(nil, false)
	})
}

// ------------------------------------------------------------------
// 本地请求调度 (单优先级 FIFO，仅 Idle 出队)

func (s *IkeSession) dequeueNext() {
	if s.state != stateIdle || s.pending != nil {
		return
	}
	for {
		req := s.queue.dequeue()
		if req == nil {
			return
		}

		// 过期的定时器触发: 来源记录已被 Rekey 掉
		if req.ikeSaTag != nil && req.ikeSaTag != s.sa {
			s.log.Debug("丢弃过期的 Rekey-IKE 触发")
			continue
		}
		if req.childSaTag != nil && req.childSaTag.released {
			s.log.Debug("丢弃过期的 Rekey-Child 触发")
			continue
		}

		switch req.kind {
		case reqCreateChild:
			s.startCreateChild(req.childCb)
		case reqDeleteChild:
			if !s.startDeleteChild(req.childLocalSpi) {
				continue
			}
		case reqRekeyChild:
			if !s.startRekeyChild(req.childLocalSpi, req.childSaTag) {
				continue
			}
		case reqRekeyIke:
			s.startRekeyIkeLocal()
		case reqInfo:
			s.startInfo()
		case reqDeleteIke:
			s.startDeleteIke()
		}
		return
	}
}

// scheduleRetry 延迟后重新排队 (Rekey 失败的退避)
func (s *IkeSession) scheduleRetry(req *localRequest, delaySec int) {
	s.clock.AfterFunc(secToDuration(delaySec), func() {
		s.post(func() {
			if s.state == stateClosed {
				return
			}
			s.queue.enqueue(req)
			s.dequeueNext()
		})
	})
}

// ------------------------------------------------------------------
// 出站请求管线

// sendRequest 编码并发送一笔加密的本端请求，装配响应处理器与重传定时器
func (s *IkeSession) sendRequest(payloads []ikev2.Payload, exch ikev2.ExchangeType,
	onResponse func(*ikev2.IKEHeader, []ikev2.Payload)) error {

	if s.pending != nil {
		return fmt.Errorf("窗口为 1: 已有在途请求 msgID=%d", s.pending.msgID)
	}

	msgID := s.sa.NextLocalMsgID
	header := &ikev2.IKEHeader{
		SPIi:         s.sa.SpiI,
		SPIr:         s.sa.SpiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: exch,
		Flags:        ikev2.FlagInitiator,
		MessageID:    msgID,
	}

	raw, err := ikev2.EncodeSK(header, payloads, s.sa.outboundCipherState())
	if err != nil {
		return err
	}

	p := &pendingExchange{
		msgID:        msgID,
		exchangeType: exch,
		bytes:        raw,
		onResponse:   onResponse,
	}
	s.pending = p

	if err := s.sock.Send(raw); err != nil {
		s.log.Warn("发送请求失败，等待重传", logger.Err(err))
	}
	s.armRetransmit(p)
	return nil
}

func (s *IkeSession) armRetransmit(p *pendingExchange) {
	delay := nextRetransDelay(p.attempts)
	p.timer = s.clock.AfterFunc(delay, func() {
		s.post(func() { s.onRetransmitTimer(p) })
	})
}

func (s *IkeSession) onRetransmitTimer(p *pendingExchange) {
	if s.pending != p || s.state == stateClosed {
		return
	}
	p.attempts++
	if p.attempts >= retransMaxAttempts {
		s.log.Error("重传次数耗尽", logger.Uint32("msgID", p.msgID))
		s.fatal(protoErr(ErrTimeout, "重传 %d 次无响应", p.attempts), false)
		return
	}
	s.log.Debug("重传请求",
		logger.Uint32("msgID", p.msgID),
		logger.Int("attempt", p.attempts))
	if err := s.sock.Send(p.bytes); err != nil {
		s.log.Warn("重传发送失败", logger.Err(err))
	}
	s.armRetransmit(p)
}

// sendResponse 编码并发送对一条对端请求的响应，并缓存以备重发
func (s *IkeSession) sendResponse(payloads []ikev2.Payload, exch ikev2.ExchangeType, reqMsgID uint32) {
	header := &ikev2.IKEHeader{
		SPIi:         s.sa.SpiI,
		SPIr:         s.sa.SpiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: exch,
		Flags:        ikev2.FlagResponse,
		MessageID:    reqMsgID,
	}
	if s.sa.IsLocalInit {
		header.Flags |= ikev2.FlagInitiator
	}

	raw, err := ikev2.EncodeSK(header, payloads, s.sa.outboundCipherState())
	if err != nil {
		s.log.Error("编码响应失败", logger.Err(err))
		return
	}

	s.lastRespBytes = raw
	s.lastRespMsgID = reqMsgID
	s.haveLastResp = true
	s.sa.NextRemoteMsgID = reqMsgID + 1

	if err := s.sock.Send(raw); err != nil {
		s.log.Warn("发送响应失败", logger.Err(err))
	}
}

// completePending 响应被接受: 取消重传、推进本端消息计数
func (s *IkeSession) completePending() {
	if s.pending == nil {
		return
	}
	s.pending.cancelTimer()
	s.pending = nil
	if s.sa != nil {
		s.sa.NextLocalMsgID++
	}
}

// ------------------------------------------------------------------
// 入站分发

func (s *IkeSession) handleDatagram(raw []byte) {
	if s.state == stateClosed {
		return
	}

	header, err := ikev2.DecodeHeader(raw)
	if err != nil {
		s.log.Debug("丢弃无法解析头部的报文", logger.Err(err))
		return
	}

	if header.NextPayload == ikev2.EncryptedFragment {
		s.handleFragment(header, raw)
		return
	}

	if header.IsResponse() {
		s.handleResponseDatagram(header, raw)
	} else {
		s.handleRequestDatagram(header, raw)
	}
}

// handleFragment 收集 SKF 分片，集齐后按完整消息分发
func (s *IkeSession) handleFragment(header *ikev2.IKEHeader, raw []byte) {
	if s.sa == nil {
		return
	}

	// 消息 ID 纪律与完整消息一致
	if header.IsResponse() {
		if s.pending == nil || header.MessageID != s.pending.msgID {
			return
		}
	} else {
		if s.haveLastResp && header.MessageID == s.lastRespMsgID {
			_ = s.sock.Send(s.lastRespBytes)
			return
		}
		if header.MessageID != s.sa.NextRemoteMsgID {
			return
		}
	}

	frag, err := ikev2.DecodeSKFragment(raw, s.sa.inboundCipherState())
	if err != nil {
		s.log.Warn("丢弃非法 SKF 分片", logger.Err(err))
		return
	}
	payloads, err := s.sa.fragBuf.Add(frag)
	if err != nil {
		s.fatal(classifyCodecError(err), header.IsResponse())
		return
	}
	if payloads == nil {
		return // 仍在等其余分片
	}

	if header.IsResponse() {
		handler := s.pending.onResponse
		s.completePending()
		handler(header, payloads)
	} else {
		prev := s.state
		s.state = stateReceiving
		s.dispatchRequest(header, payloads, prev)
	}
}

func (s *IkeSession) handleResponseDatagram(header *ikev2.IKEHeader, raw []byte) {
	// 响应必须与在途请求的消息 ID 匹配，否则丢弃
	if s.pending == nil || header.MessageID != s.pending.msgID {
		s.log.Debug("丢弃消息 ID 不匹配的响应",
			logger.Uint32("got", header.MessageID))
		return
	}

	var payloads []ikev2.Payload
	var err error
	if s.state == stateIkeInitLocal {
		// INIT 响应是明文
		var pkt *ikev2.IKEPacket
		pkt, err = ikev2.DecodePacket(raw)
		if err == nil {
			payloads = pkt.Payloads
			s.initRespBytes = append([]byte(nil), raw...)
		}
	} else {
		_, payloads, err = ikev2.DecodeSK(raw, s.sa.inboundCipherState())
	}

	if err != nil {
		perr := classifyCodecError(err)
		if perr.Kind == ErrIntegrityCheckFailed {
			// 完整性失败的报文可能是伪造，丢弃且状态不变
			s.log.Warn("响应完整性校验失败，丢弃", logger.Err(err))
			return
		}
		// 语法类错误是致命的
		s.fatal(perr, true)
		return
	}

	handler := s.pending.onResponse
	s.completePending()
	handler(header, payloads)
}

func (s *IkeSession) handleRequestDatagram(header *ikev2.IKEHeader, raw []byte) {
	if s.sa == nil {
		s.log.Debug("丢弃建链前的对端请求")
		return
	}

	// 重复的上一条请求: 原样重发缓存响应，状态不推进
	if s.haveLastResp && header.MessageID == s.lastRespMsgID {
		s.log.Debug("收到重复请求，重发缓存响应",
			logger.Uint32("msgID", header.MessageID))
		if err := s.sock.Send(s.lastRespBytes); err != nil {
			s.log.Warn("重发缓存响应失败", logger.Err(err))
		}
		return
	}
	if header.MessageID != s.sa.NextRemoteMsgID {
		s.log.Debug("忽略意外消息 ID 的请求",
			logger.Uint32("got", header.MessageID),
			logger.Uint32("want", s.sa.NextRemoteMsgID))
		return
	}

	_, payloads, err := ikev2.DecodeSK(raw, s.sa.inboundCipherState())
	if err != nil {
		perr := classifyCodecError(err)
		if perr.Kind == ErrIntegrityCheckFailed {
			s.log.Warn("请求完整性校验失败，丢弃", logger.Err(err))
			return
		}
		// 请求中的语法错误: 回错误通知后关闭
		s.fatal(perr, false)
		return
	}

	prev := s.state
	s.state = stateReceiving
	s.dispatchRequest(header, payloads, prev)
}

// ------------------------------------------------------------------
// 致命错误与关闭

// fatal 统一的致命错误出口
// faultInResponse=true: 错误出在对端响应，发 Delete-IKE 后关闭
// false: 错误出在对端请求或本端超时，回错误通知 (若可能) 后关闭
func (s *IkeSession) fatal(perr *ProtocolError, faultInResponse bool) {
	s.log.Error("IKE SA 进入致命错误",
		logger.String("kind", perr.Kind.String()),
		logger.Bool("inResponse", faultInResponse))

	if s.sa != nil {
		if faultInResponse {
			// 尽力而为的 Delete 通知，不等待响应
			s.sendBestEffortDelete()
		} else if nt := perr.NotifyType(); nt != 0 {
			notify := &ikev2.PayloadNotify{ProtocolID: ikev2.ProtoIKE, NotifyType: nt}
			s.sendResponse([]ikev2.Payload{notify}, ikev2.INFORMATIONAL, s.sa.NextRemoteMsgID)
		}
	}
	s.closeInternal(perr, false)
}

// sendBestEffortDelete 在关闭路径上单发一条 Delete-IKE 请求
func (s *IkeSession) sendBestEffortDelete() {
	if s.sa == nil {
		return
	}
	header := &ikev2.IKEHeader{
		SPIi:         s.sa.SpiI,
		SPIr:         s.sa.SpiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: ikev2.INFORMATIONAL,
		Flags:        ikev2.FlagInitiator,
		MessageID:    s.sa.NextLocalMsgID,
	}
	raw, err := ikev2.EncodeSK(header, []ikev2.Payload{ikev2.NewDeleteIKE()}, s.sa.outboundCipherState())
	if err == nil {
		_ = s.sock.Send(raw)
	}
}

// closeInternal 释放全部资源并进入 Closed
// 同一会话只会执行一次；之后所有事件被丢弃
func (s *IkeSession) closeInternal(perr *ProtocolError, notifiedPeer bool) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed

	if s.pending != nil {
		s.pending.cancelTimer()
		s.pending = nil
	}
	s.queue.removeIf(func(*localRequest) bool { return true })

	// 杀掉全部 Child: 释放 SA，不发网络流量
	for _, child := range s.children {
		child.kill()
	}
	if s.pendingFirstChild != nil {
		s.pendingFirstChild.kill()
		s.pendingFirstChild = nil
	}
	s.children = make(map[uint32]*ChildSession)
	s.remoteSpiMap = make(map[uint32]*ChildSession)

	if s.sa != nil {
		if err := s.sa.Release(); err != nil {
			s.log.Warn("释放 IKE SA 记录失败", logger.Err(err))
		}
		s.sa = nil
	}
	crypto.Zeroize(s.msk)

	cb := s.cb
	if perr != nil {
		s.exec.Execute(func() { cb.OnError(perr) })
	}
	s.exec.Execute(func() { cb.OnClosed() })

	close(s.done)
	_ = s.sock.Close()
	if se, ok := s.exec.(*serialExecutor); ok {
		se.stop()
	}
	s.log.Info("IKE 会话已关闭")
}

func secToDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// sendRequestWithSpi IKE_SA_INIT 专用: 明文编码，显式 SPI，消息 ID 0
func (s *IkeSession) sendRequestWithSpi(spiI, spiR uint64, payloads []ikev2.Payload,
	exch ikev2.ExchangeType, onResponse func(*ikev2.IKEHeader, []ikev2.Payload)) error {

	if s.pending != nil {
		return fmt.Errorf("窗口为 1: 已有在途请求 msgID=%d", s.pending.msgID)
	}

	header := &ikev2.IKEHeader{
		SPIi:         spiI,
		SPIr:         spiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: exch,
		Flags:        ikev2.FlagInitiator,
	}
	pkt := &ikev2.IKEPacket{Header: header, Payloads: payloads}
	raw, err := pkt.Encode()
	if err != nil {
		return err
	}

	p := &pendingExchange{exchangeType: exch, bytes: raw, onResponse: onResponse}
	s.pending = p

	if err := s.sock.Send(raw); err != nil {
		s.log.Warn("发送请求失败，等待重传", logger.Err(err))
	}
	s.armRetransmit(p)
	return nil
}

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
