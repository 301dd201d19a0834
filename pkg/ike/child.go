package ike

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/ipsec"
	"github.com/iniwex5/ike-go/pkg/logger"
)

// childState Child 会话状态机的状态
type childState int

const (
	childStateInitial childState = iota
	childStateCreateLocalCreate
	childStateIdle
	childStateDeleteLocalDelete
	childStateDeleteRemoteDelete
	childStateRekeyLocalCreate
	childStateRekeyRemoteCreate
	childStateRekeyLocalDelete
	childStateRekeyRemoteDelete
	childStateClosed
)

func (c childState) String() string {
	switch c {
	case childStateInitial:
		return "Initial"
	case childStateCreateLocalCreate:
		return "CreateChildLocalCreate"
	case childStateIdle:
		return "Idle"
	case childStateDeleteLocalDelete:
		return "DeleteChildLocalDelete"
	case childStateDeleteRemoteDelete:
		return "DeleteChildRemoteDelete"
	case childStateRekeyLocalCreate:
		return "RekeyChildLocalCreate"
	case childStateRekeyRemoteCreate:
		return "RekeyChildRemoteCreate"
	case childStateRekeyLocalDelete:
		return "RekeyChildLocalDelete"
	case childStateRekeyRemoteDelete:
		return "RekeyChildRemoteDelete"
	case childStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ChildSession 一条 Child SA 的生命周期状态机
// 与父会话共享同一事件循环；父到子的调用都发生在循环内
type ChildSession struct {
	s  *IkeSession
	cb ChildCallback

	state childState
	cur   *ChildSaRecord

	// 在建过程 (Create / Rekey-local) 的瞬态
	procSpi       *ipsec.OwnedSpi
	procNonce     []byte
	procDH        *crypto.DiffieHellman
	procProposals []*ikev2.Proposal

	// Rekey 过渡期
	pendingNew       *ChildSaRecord // 本端发起的 Rekey 的新记录
	pendingRemoteNew *ChildSaRecord // 对端发起的 Rekey 的新记录

	// 同时 Rekey 的仲裁
	simul          bool
	simulPeerNonce []byte // 对端 Rekey 请求的 Ni

	watchdog Timer
}

// newChildSession 创建子会话并立即预留本端 SPI (SA 载荷要带)
func newChildSession(s *IkeSession, cb ChildCallback) (*ChildSession, error) {
	spi, err := s.installer.AllocateSpi(s.cfg.RemoteAddr)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(32)
	if err != nil {
		_ = s.installer.ReleaseSpi(spi)
		return nil, err
	}
	return &ChildSession{
		s:         s,
		cb:        cb,
		state:     childStateInitial,
		procSpi:   spi,
		procNonce: nonce,
	}, nil
}

func (c *ChildSession) localSpi() uint32 {
	if c.cur != nil {
		return c.cur.LocalSpi.Value
	}
	if c.procSpi != nil {
		return c.procSpi.Value
	}
	return 0
}

// buildSaPayload 把配置的提议集打上本次预留的 SPI
func (c *ChildSession) buildSaPayload(props []*ikev2.Proposal) *ikev2.PayloadSA {
	spiBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(spiBytes, c.procSpi.Value)

	c.procProposals = nil
	for i, p := range props {
		np := ikev2.CloneProposalWithSPI(p, spiBytes)
		np.ProposalNum = uint8(i + 1)
		c.procProposals = append(c.procProposals, np)
	}
	return &ikev2.PayloadSA{Proposals: c.procProposals}
}

// ------------------------------------------------------------------
// 首条 Child (IKE_AUTH 捎带)

// completeFirstChild 从最终 IKE_AUTH 响应中建立第一条 Child SA
// 密钥材料用 IKE INIT 的 Ni|Nr，不带 DH
func (c *ChildSession) completeFirstChild(payloads []ikev2.Payload) *ProtocolError {
	resp, perr := c.parseCreateResponse(payloads)
	if perr != nil {
		c.abortProc()
		return perr
	}

	rec, perr := c.buildRecord(resp, true, c.s.ni, c.s.nr, nil)
	if perr != nil {
		c.s.provisionalDeregister(resp.remoteSpi)
		c.abortProc()
		return perr
	}

	if perr := c.installBoth(rec); perr != nil {
		c.s.provisionalDeregister(resp.remoteSpi)
		_ = rec.release(c.s.installer)
		return perr
	}

	c.cur = rec
	c.state = childStateIdle
	c.scheduleRekey(rec)
	c.notifyOpened()
	return nil
}

// ------------------------------------------------------------------
// Create (本端发起)

func (s *IkeSession) startCreateChild(cb ChildCallback) {
	child, err := newChildSession(s, cb)
	if err != nil {
		s.log.Error("创建 Child 会话失败", logger.Err(err))
		if cb != nil {
			s.exec.Execute(func() { cb.OnError(err) })
		}
		s.dequeueNext()
		return
	}
	s.state = stateCreateChildLocal
	child.startCreate()
}

func (c *ChildSession) startCreate() {
	c.state = childStateCreateLocalCreate
	payloads := c.buildCreatePayloads(c.s.cfg.ChildProposals, c.s.cfg.TsInit, c.s.cfg.TsResp, nil)

	err := c.s.sendRequest(payloads, ikev2.CREATE_CHILD_SA, func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
		c.handleCreateResponse(pls)
	})
	if err != nil {
		c.failFatal(protoErr(ErrInternalError, "发送 CREATE_CHILD_SA 失败: %v", err))
	}
}

// buildCreatePayloads 载荷顺序: SA, Ni, [KE], TSi, TSr, 通知
func (c *ChildSession) buildCreatePayloads(props []*ikev2.Proposal, tsi, tsr []*ikev2.TrafficSelector, rekeySpi []byte) []ikev2.Payload {
	payloads := []ikev2.Payload{
		c.buildSaPayload(props),
		&ikev2.PayloadNonce{NonceData: c.procNonce},
	}

	// PFS: 提议含 DH 组时附带 KE
	if t := props[0].FindTransform(ikev2.TransformTypeDH); t != nil && t.ID != ikev2.DH_NONE {
		dh, err := crypto.NewDiffieHellman(uint16(t.ID))
		if err == nil && dh.GenerateKey() == nil {
			c.procDH = dh
			payloads = append(payloads, &ikev2.PayloadKE{
				DHGroup: t.ID,
				KEData:  dh.PublicKeyBytes(),
			})
		}
	}

	if rekeySpi != nil {
		payloads = append(payloads, &ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			SPI:        rekeySpi,
			NotifyType: ikev2.REKEY_SA,
		})
	}

	payloads = append(payloads,
		&ikev2.PayloadTS{IsInitiator: true, TrafficSelectors: tsi},
		&ikev2.PayloadTS{IsInitiator: false, TrafficSelectors: tsr},
	)
	if c.s.cfg.Transport {
		payloads = append(payloads, &ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.USE_TRANSPORT_MODE,
		})
	}
	payloads = append(payloads, &ikev2.PayloadNotify{
		ProtocolID: ikev2.ProtoIKE,
		NotifyType: ikev2.ESP_TFC_PADDING_NOT_SUPPORTED,
	})
	return payloads
}

func (c *ChildSession) handleCreateResponse(payloads []ikev2.Payload) {
	if perr := c.checkErrorNotifies(payloads); perr != nil {
		// Create 的 TEMPORARY_FAILURE 也上报用户并关闭 (Rekey 才重试)
		c.failFatal(perr)
		return
	}

	resp, perr := c.parseCreateResponse(payloads)
	if perr != nil {
		c.failFatal(perr)
		return
	}

	var dhShared []byte
	if c.procDH != nil && resp.keData != nil {
		shared, err := c.procDH.ComputeSharedSecret(resp.keData)
		if err != nil {
			c.s.provisionalDeregister(resp.remoteSpi)
			c.failFatal(protoErr(ErrInvalidKe, "%v", err))
			return
		}
		dhShared = shared
	}

	rec, perr := c.buildRecord(resp, true, c.procNonce, resp.nonce, dhShared)
	if perr != nil {
		c.s.provisionalDeregister(resp.remoteSpi)
		c.failFatal(perr)
		return
	}

	if perr := c.installBoth(rec); perr != nil {
		c.s.provisionalDeregister(resp.remoteSpi)
		_ = rec.release(c.s.installer)
		c.failFatal(perr)
		return
	}

	c.cur = rec
	c.state = childStateIdle
	c.s.registerChild(c)
	c.scheduleRekey(rec)
	c.notifyOpened()

	c.s.state = stateIdle
	c.s.dequeueNext()
}

// ------------------------------------------------------------------
// Delete (本端发起)

func (s *IkeSession) startDeleteChild(localSpi uint32) bool {
	child, ok := s.children[localSpi]
	if !ok {
		s.log.Warn("删除请求的 Child 不存在", logger.Uint32("spi", localSpi))
		return false
	}
	s.state = stateChildProcedureOngoing
	child.startDeleteLocal()
	return true
}

func (c *ChildSession) startDeleteLocal() {
	c.state = childStateDeleteLocalDelete
	c.cur.cancelRekeyTimer()

	del := ikev2.NewDeleteChild(c.cur.LocalSpi.Value)
	err := c.s.sendRequest([]ikev2.Payload{del}, ikev2.INFORMATIONAL, func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
		c.handleDeleteResponse(pls)
	})
	if err != nil {
		c.failFatal(protoErr(ErrInternalError, "发送 Delete 失败: %v", err))
	}
}

func (c *ChildSession) handleDeleteResponse(payloads []ikev2.Payload) {
	// 合法响应: 带对端 SPI 的 Delete，或同时删除场景下的空 INFORMATIONAL
	sawDelete := false
	for _, pl := range payloads {
		if d, ok := pl.(*ikev2.PayloadDelete); ok && d.ProtocolID == ikev2.ProtoESP {
			sawDelete = true
		}
	}
	if !sawDelete && len(payloads) > 0 {
		c.s.log.Debug("Delete 响应不含 Delete 载荷 (按同时删除处理)")
	}

	c.teardown(nil)
	c.s.state = stateIdle
	c.s.dequeueNext()
}

// ------------------------------------------------------------------
// Rekey (本端发起)

func (s *IkeSession) startRekeyChild(localSpi uint32, tag *ChildSaRecord) bool {
	child, ok := s.children[localSpi]
	if !ok {
		s.log.Debug("Rekey 目标 Child 不存在 (可能已删除)", logger.Uint32("spi", localSpi))
		return false
	}
	if tag != nil && child.cur != tag {
		// 定时器属于已被替换的记录
		return false
	}
	s.state = stateChildProcedureOngoing
	child.startRekeyLocal()
	return true
}

func (c *ChildSession) startRekeyLocal() {
	spi, err := c.s.installer.AllocateSpi(c.s.cfg.RemoteAddr)
	if err != nil {
		c.s.log.Error("Rekey 预留 SPI 失败", logger.Err(err))
		c.s.state = stateIdle
		c.s.dequeueNext()
		return
	}
	nonce, err := crypto.RandomBytes(32)
	if err != nil {
		_ = c.s.installer.ReleaseSpi(spi)
		c.s.state = stateIdle
		c.s.dequeueNext()
		return
	}

	c.procSpi = spi
	c.procNonce = nonce
	c.state = childStateRekeyLocalCreate

	// 重用上次协商的提议与流量选择器
	oldSpiBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oldSpiBytes, c.cur.LocalSpi.Value)
	payloads := c.buildCreatePayloads(
		[]*ikev2.Proposal{c.cur.negotiatedProposal()},
		c.cur.LocalTs, c.cur.RemoteTs,
		oldSpiBytes,
	)

	err = c.s.sendRequest(payloads, ikev2.CREATE_CHILD_SA, func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
		c.handleRekeyCreateResponse(pls)
	})
	if err != nil {
		c.failFatal(protoErr(ErrInternalError, "发送 Rekey 请求失败: %v", err))
	}
}

func (c *ChildSession) handleRekeyCreateResponse(payloads []ikev2.Payload) {
	if perr := c.checkErrorNotifies(payloads); perr != nil {
		c.abortProc()
		switch {
		case perr.Kind == ErrTemporaryFailure:
			// 静默重试: 父级稍后重新触发 Rekey
			c.s.log.Debug("Rekey 遇 TEMPORARY_FAILURE，按原计划重试")
			c.rescheduleRekeyRetry()
		case perr.Kind == ErrInvalidSyntax:
			c.failFatal(perr)
			return
		default:
			// 其他协议错误: 安排一次延迟重试
			c.s.log.Warn("Rekey 失败，安排重试", logger.String("kind", perr.Kind.String()))
			c.rescheduleRekeyRetry()
		}
		c.state = childStateIdle
		c.s.state = stateIdle
		c.s.dequeueNext()
		return
	}

	resp, perr := c.parseCreateResponse(payloads)
	if perr != nil {
		c.abortProc()
		c.failFatal(perr)
		return
	}

	var dhShared []byte
	if c.procDH != nil && resp.keData != nil {
		shared, err := c.procDH.ComputeSharedSecret(resp.keData)
		if err != nil {
			c.s.provisionalDeregister(resp.remoteSpi)
			c.abortProc()
			c.failFatal(protoErr(ErrInvalidKe, "%v", err))
			return
		}
		dhShared = shared
	}

	rec, perr := c.buildRecord(resp, true, c.procNonce, resp.nonce, dhShared)
	if perr != nil {
		c.s.provisionalDeregister(resp.remoteSpi)
		c.abortProc()
		c.failFatal(perr)
		return
	}
	c.pendingNew = rec

	// 同时 Rekey 仲裁: 两笔交换都完成后，Ni 字典序小的一方保留新 SA
	if c.simul {
		c.resolveSimultaneousRekey()
		return
	}

	c.startRekeyLocalDelete()
}

// startRekeyLocalDelete 删除旧 SA 并安装新 SA
func (c *ChildSession) startRekeyLocalDelete() {
	c.state = childStateRekeyLocalDelete

	del := ikev2.NewDeleteChild(c.cur.LocalSpi.Value)
	err := c.s.sendRequest([]ikev2.Payload{del}, ikev2.INFORMATIONAL, func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
		c.handleRekeyDeleteResponse()
	})
	if err != nil {
		c.failFatal(protoErr(ErrInternalError, "发送 Rekey Delete 失败: %v", err))
	}
}

func (c *ChildSession) handleRekeyDeleteResponse() {
	old := c.cur
	newRec := c.pendingNew
	c.pendingNew = nil

	// 新 SA 双向安装
	if perr := c.installBoth(newRec); perr != nil {
		c.failFatal(perr)
		return
	}

	c.swapRecords(old, newRec)

	c.state = childStateIdle
	c.s.state = stateIdle
	c.s.dequeueNext()
}

// swapRecords 释放旧记录、换上新记录并修正索引
func (c *ChildSession) swapRecords(old, newRec *ChildSaRecord) {
	delete(c.s.children, old.LocalSpi.Value)
	delete(c.s.remoteSpiMap, old.RemoteSpi)

	oldIn, oldOut := old.InTransform, old.OutTransform
	if err := old.release(c.s.installer); err != nil {
		c.s.log.Warn("释放旧 Child SA 失败", logger.Err(err))
	}
	c.notifyTransformsDeleted(oldIn, oldOut)

	c.cur = newRec
	c.s.children[newRec.LocalSpi.Value] = c
	c.s.remoteSpiMap[newRec.RemoteSpi] = c
	c.scheduleRekey(newRec)

	c.s.log.Info("Child SA Rekey 完成",
		logger.Uint32("newLocal", newRec.LocalSpi.Value),
		logger.Uint32("newRemote", newRec.RemoteSpi))
}

// ------------------------------------------------------------------
// 对端发起的 Delete / Rekey (经远端 SPI 路由进来)

// handleRemoteDelete 对端删除本 Child (spis 为请求中指向本会话的对端 SPI)
func (c *ChildSession) handleRemoteDelete(reqMsgID uint32, spis []uint32) {
	// 同时 Rekey 仲裁后对端删除它败方的新 SA
	if c.pendingRemoteNew != nil {
		for _, spi := range spis {
			if spi == c.pendingRemoteNew.RemoteSpi {
				loser := c.pendingRemoteNew
				c.pendingRemoteNew = nil
				del := ikev2.NewDeleteChild(loser.LocalSpi.Value)
				c.s.sendResponse([]ikev2.Payload{del}, ikev2.INFORMATIONAL, reqMsgID)
				c.s.provisionalDeregister(loser.RemoteSpi)
				inT := loser.InTransform
				if err := loser.release(c.s.installer); err != nil {
					c.s.log.Warn("释放对端败方新 SA 失败", logger.Err(err))
				}
				_ = inT
				return
			}
		}
	}

	switch c.state {
	case childStateRekeyRemoteDelete:
		// 对端 Rekey 后删除旧 SA: 回我们旧 SPI，完成切换
		c.stopWatchdog()
		del := ikev2.NewDeleteChild(c.cur.LocalSpi.Value)
		c.s.sendResponse([]ikev2.Payload{del}, ikev2.INFORMATIONAL, reqMsgID)
		c.finalizeRemoteRekey()

	case childStateDeleteLocalDelete:
		// 同时删除: 对端的 Delete 与我们的在途 Delete 交错；回空响应
		c.s.sendResponse(nil, ikev2.INFORMATIONAL, reqMsgID)

	default:
		del := ikev2.NewDeleteChild(c.cur.LocalSpi.Value)
		c.s.sendResponse([]ikev2.Payload{del}, ikev2.INFORMATIONAL, reqMsgID)
		c.state = childStateDeleteRemoteDelete
		c.teardown(nil)
	}
}

// handleRemoteRekey 对端发起的 Rekey (CREATE_CHILD_SA + REKEY_SA)
func (c *ChildSession) handleRemoteRekey(payloads []ikev2.Payload, reqMsgID uint32) {
	if c.state == childStateRekeyLocalCreate {
		// 双方同时 Rekey: 继续处理，仲裁推迟到两笔交换都完成
		c.simul = true
	} else if c.state != childStateIdle {
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.TEMPORARY_FAILURE,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}

	var saPl *ikev2.PayloadSA
	var noncePl *ikev2.PayloadNonce
	var tsiPl, tsrPl *ikev2.PayloadTS
	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadSA:
			saPl = p
		case *ikev2.PayloadNonce:
			noncePl = p
		case *ikev2.PayloadTS:
			if p.IsInitiator {
				tsiPl = p
			} else {
				tsrPl = p
			}
		}
	}
	if saPl == nil || noncePl == nil || tsiPl == nil || tsrPl == nil {
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.INVALID_SYNTAX,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}

	chosen, matched := ikev2.SelectProposal([]*ikev2.Proposal{c.cur.negotiatedProposal()}, saPl)
	if chosen == nil {
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.NO_PROPOSAL_CHOSEN,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}
	if len(chosen.SPI) != 4 {
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.INVALID_SYNTAX,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}
	peerNewSpi := binary.BigEndian.Uint32(chosen.SPI)

	newSpi, err := c.s.installer.AllocateSpi(c.s.cfg.RemoteAddr)
	if err != nil {
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.TEMPORARY_FAILURE,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}
	ourNonce, err := crypto.RandomBytes(32)
	if err != nil {
		_ = c.s.installer.ReleaseSpi(newSpi)
		return
	}

	// 对端是本次交换的发起方
	keys, perr := c.deriveChildKeys(matched, noncePl.NonceData, ourNonce, nil)
	if perr != nil {
		_ = c.s.installer.ReleaseSpi(newSpi)
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.NO_PROPOSAL_CHOSEN,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}

	newRec := &ChildSaRecord{
		LocalSpi:    newSpi,
		RemoteSpi:   peerNewSpi,
		IsLocalInit: false,
		IsTransport: c.cur.IsTransport,
		LocalTs:     c.cur.LocalTs,
		RemoteTs:    c.cur.RemoteTs,
		Keys:        keys,
	}
	newRec.negotiated = chosen

	// 远端发起的 Rekey: 先装新 SA 的入站变换，出站要等对端删除旧 SA
	// (避免对端尚未就绪时的瞬时丢包)
	inT, perr := c.installOne(newRec, ipsec.DirectionIn)
	if perr != nil {
		_ = c.s.installer.ReleaseSpi(newSpi)
		c.s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.TEMPORARY_FAILURE,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}
	newRec.InTransform = inT
	c.notifyTransformCreated(inT)

	c.s.provisionalRegister(peerNewSpi, c)
	c.simulPeerNonce = noncePl.NonceData
	c.pendingRemoteNew = newRec

	// 响应: SA(本端新 SPI), Nr, TSi, TSr
	ourSpiBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(ourSpiBytes, newSpi.Value)
	respProp := ikev2.CloneProposalWithSPI(chosen, ourSpiBytes)

	respPayloads := []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{respProp}},
		&ikev2.PayloadNonce{NonceData: ourNonce},
		tsiPl,
		tsrPl,
	}
	if c.cur.IsTransport {
		respPayloads = append(respPayloads, &ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.USE_TRANSPORT_MODE,
		})
	}
	c.s.sendResponse(respPayloads, ikev2.CREATE_CHILD_SA, reqMsgID)

	if !c.simul {
		c.state = childStateRekeyRemoteDelete
		c.armWatchdog()
	}
	// simul 场景下状态保持 RekeyLocalCreate，等本端交换完成后仲裁
}

// finalizeRemoteRekey 对端删除旧 SA 之后: 装新 SA 出站变换并切换
func (c *ChildSession) finalizeRemoteRekey() {
	old := c.cur
	newRec := c.pendingRemoteNew
	c.pendingRemoteNew = nil

	outT, perr := c.installOne(newRec, ipsec.DirectionOut)
	if perr != nil {
		c.failFatal(perr)
		return
	}
	newRec.OutTransform = outT
	c.notifyTransformCreated(outT)

	c.swapRecords(old, newRec)
	c.state = childStateIdle
}

// resolveSimultaneousRekey 双方同时 Rekey 的仲裁
// 本端 Ni 字典序较小 → 本端新 SA 保留；否则删除本端新 SA，保留对端那条
func (c *ChildSession) resolveSimultaneousRekey() {
	c.simul = false
	win := bytes.Compare(c.procNonce, c.simulPeerNonce) < 0

	if win {
		c.s.log.Info("同时 Rekey 仲裁: 本端胜出，保留本端新 SA")
		// 对端会删除它发起的那条新 SA；等它的 Delete 到来即可
		c.startRekeyLocalDelete()
		return
	}

	c.s.log.Info("同时 Rekey 仲裁: 对端胜出，删除本端新 SA")
	loser := c.pendingNew
	c.pendingNew = nil
	c.s.provisionalDeregister(loser.RemoteSpi)

	c.state = childStateRekeyLocalDelete
	del := ikev2.NewDeleteChild(loser.LocalSpi.Value)
	err := c.s.sendRequest([]ikev2.Payload{del}, ikev2.INFORMATIONAL, func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
		if err := loser.release(c.s.installer); err != nil {
			c.s.log.Warn("释放败方新 SA 失败", logger.Err(err))
		}
		// 胜方 (对端发起的那条) 接管: 等对端删除旧 SA
		c.state = childStateRekeyRemoteDelete
		c.armWatchdog()
		c.s.state = stateIdle
		c.s.dequeueNext()
	})
	if err != nil {
		c.failFatal(protoErr(ErrInternalError, "发送败方 Delete 失败: %v", err))
	}
}

// ------------------------------------------------------------------
// 记录构建 / 密钥派生 / 安装

// createResponse 解析后的 Create/Rekey 响应
type createResponse struct {
	matched   *ikev2.MatchedAlgorithms
	chosen    *ikev2.Proposal
	remoteSpi uint32
	nonce     []byte
	keData    []byte
	tsi, tsr  []*ikev2.TrafficSelector
	transport bool
}

// parseCreateResponse 解析并校验响应
// SA 载荷一解析就做临时注册，之后才继续校验 (并发路由竞态要求)
func (c *ChildSession) parseCreateResponse(payloads []ikev2.Payload) (*createResponse, *ProtocolError) {
	out := &createResponse{}

	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadSA:
			if len(p.Proposals) == 1 && len(p.Proposals[0].SPI) == 4 {
				out.remoteSpi = binary.BigEndian.Uint32(p.Proposals[0].SPI)
				// 临时注册必须先于其余校验
				c.s.provisionalRegister(out.remoteSpi, c)
			}
			matched, err := ikev2.ValidateProposalResponse(c.procProposals, p)
			if err != nil {
				return nil, protoErr(ErrNoProposalChosen, "%v", err)
			}
			out.matched = matched
			out.chosen = p.Proposals[0]
		case *ikev2.PayloadNonce:
			out.nonce = p.NonceData
		case *ikev2.PayloadKE:
			out.keData = p.KEData
		case *ikev2.PayloadTS:
			if p.IsInitiator {
				out.tsi = p.TrafficSelectors
			} else {
				out.tsr = p.TrafficSelectors
			}
		case *ikev2.PayloadNotify:
			if p.NotifyType == ikev2.USE_TRANSPORT_MODE {
				out.transport = true
			}
		}
	}

	if out.matched == nil || out.remoteSpi == 0 {
		return nil, protoErr(ErrNoProposalChosen, "响应缺少合法 SA 载荷")
	}
	// IKE_AUTH 捎带的首条 Child (仍处于 Initial) 不带 Nonce，用 INIT 的 Ni|Nr
	if out.nonce == nil && c.state != childStateInitial {
		return nil, protoErr(ErrInvalidSyntax, "响应缺少 Nonce")
	}
	if out.tsi == nil || out.tsr == nil {
		return nil, protoErr(ErrTsUnacceptable, "响应缺少流量选择器")
	}

	// 响应的 TS 必须是本端所提集合的子集 (允许缩窄)
	offTsi, offTsr := c.s.cfg.TsInit, c.s.cfg.TsResp
	if c.cur != nil {
		offTsi, offTsr = c.cur.LocalTs, c.cur.RemoteTs
	}
	if !ikev2.TrafficSelectorsSubset(out.tsi, offTsi) || !ikev2.TrafficSelectorsSubset(out.tsr, offTsr) {
		return nil, protoErr(ErrTsUnacceptable, "响应 TS 不是所提集合的子集")
	}

	// 传输模式通知的出现必须与本端模式一致
	if out.transport != c.s.cfg.Transport {
		return nil, protoErr(ErrTsUnacceptable, "传输模式协商不一致 (got=%v want=%v)",
			out.transport, c.s.cfg.Transport)
	}

	return out, nil
}

// buildRecord 派生密钥并构建记录 (不安装变换)
func (c *ChildSession) buildRecord(resp *createResponse, isLocalInit bool, ni, nr, dhShared []byte) (*ChildSaRecord, *ProtocolError) {
	keys, perr := c.deriveChildKeys(resp.matched, ni, nr, dhShared)
	if perr != nil {
		return nil, perr
	}

	rec := &ChildSaRecord{
		LocalSpi:    c.procSpi,
		RemoteSpi:   resp.remoteSpi,
		IsLocalInit: isLocalInit,
		IsTransport: resp.transport,
		LocalTs:     resp.tsi,
		RemoteTs:    resp.tsr,
		Keys:        keys,
	}
	rec.negotiated = resp.chosen
	c.procSpi = nil
	c.procDH = nil
	return rec, nil
}

// deriveChildKeys KEYMAT = prf+(SK_d, [g^ir,] Ni | Nr)
func (c *ChildSession) deriveChildKeys(m *ikev2.MatchedAlgorithms, ni, nr, dhShared []byte) (*ikev2.ChildSAKeys, *ProtocolError) {
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(m.Encr), int(m.EncrKeyLen))
	if err != nil {
		return nil, protoErr(ErrNoProposalChosen, "%v", err)
	}
	integ, err := crypto.GetIntegrityAlgorithm(uint16(m.Integ))
	if err != nil {
		return nil, protoErr(ErrNoProposalChosen, "%v", err)
	}

	encKeyLen := enc.KeySize() + crypto.SaltSize(enc)
	integKeyLen := 0
	if !enc.IsAEAD() {
		integKeyLen = integ.KeySize()
	}

	keys, err := ikev2.DeriveChildSAKeys(c.s.sa.prf, c.s.sa.Keys.SK_d, dhShared, ni, nr, encKeyLen, integKeyLen)
	if err != nil {
		return nil, protoErr(ErrInternalError, "Child 密钥派生失败: %v", err)
	}
	return keys, nil
}

// installOne 安装单个方向的变换
func (c *ChildSession) installOne(rec *ChildSaRecord, dir ipsec.Direction) (*ipsec.OwnedTransform, *ProtocolError) {
	m := ikev2.MatchedAlgorithms{}
	if rec.negotiated != nil {
		m = *ikev2.ExtractAlgorithms(rec.negotiated)
	}

	// 本端视角的方向性密钥: 本端发起的交换里 _i 是本端出站
	var encKey, integKey []byte
	outbound := dir == ipsec.DirectionOut
	if rec.IsLocalInit == outbound {
		encKey, integKey = rec.Keys.EncrInit, rec.Keys.AuthInit
	} else {
		encKey, integKey = rec.Keys.EncrResp, rec.Keys.AuthResp
	}

	spi := rec.LocalSpi.Value
	if dir == ipsec.DirectionOut {
		spi = rec.RemoteSpi
	}

	cfg := ipsec.TransformConfig{
		Direction:   dir,
		LocalAddr:   c.s.cfg.LocalAddr,
		RemoteAddr:  c.s.cfg.RemoteAddr,
		Spi:         spi,
		EncrAlgID:   uint16(m.Encr),
		EncrKeyBits: int(m.EncrKeyLen),
		IntegAlgID:  uint16(m.Integ),
		EncrKey:     encKey,
		IntegKey:    integKey,
		Transport:   rec.IsTransport,
	}
	if c.s.natDetected {
		cfg.EncapLocalPort = c.s.sock.LocalAddr().Port
		cfg.EncapRemotePort = c.s.sock.RemoteAddr().Port
	}

	t, err := c.s.installer.Install(cfg)
	if err != nil {
		return nil, protoErr(ErrInternalError, "安装变换失败: %v", err)
	}
	return t, nil
}

func (c *ChildSession) installBoth(rec *ChildSaRecord) *ProtocolError {
	inT, perr := c.installOne(rec, ipsec.DirectionIn)
	if perr != nil {
		return perr
	}
	rec.InTransform = inT

	outT, perr := c.installOne(rec, ipsec.DirectionOut)
	if perr != nil {
		_ = c.s.installer.Release(inT)
		return perr
	}
	rec.OutTransform = outT

	c.notifyTransformCreated(inT)
	c.notifyTransformCreated(outT)
	return nil
}

// ------------------------------------------------------------------
// 定时器 / 回调 / 收尾

// scheduleRekey 软生命周期到点触发 Rekey，带记录标签防过期触发
func (c *ChildSession) scheduleRekey(rec *ChildSaRecord) {
	soft := secToDuration(int(c.s.cfg.SoftLifetimeSec))
	rec.rekeyTimer = c.s.clock.AfterFunc(soft, func() {
		c.s.post(func() {
			if c.s.state == stateClosed {
				return
			}
			c.s.queue.enqueue(&localRequest{
				kind:          reqRekeyChild,
				childLocalSpi: rec.LocalSpi.Value,
				childSaTag:    rec,
			})
			c.s.dequeueNext()
		})
	})
}

// rescheduleRekeyRetry 失败后 60 秒重试
func (c *ChildSession) rescheduleRekeyRetry() {
	rec := c.cur
	rec.cancelRekeyTimer()
	rec.rekeyTimer = c.s.clock.AfterFunc(60*time.Second, func() {
		c.s.post(func() {
			if c.s.state == stateClosed {
				return
			}
			c.s.queue.enqueue(&localRequest{
				kind:          reqRekeyChild,
				childLocalSpi: rec.LocalSpi.Value,
				childSaTag:    rec,
			})
			c.s.dequeueNext()
		})
	})
}

func (c *ChildSession) armWatchdog() {
	c.stopWatchdog()
	c.watchdog = c.s.clock.AfterFunc(rekeyRemoteDeleteTimeout, func() {
		c.s.post(func() {
			if c.state != childStateRekeyRemoteDelete {
				return
			}
			c.s.log.Warn("等待对端删除旧 Child SA 超时，强制切换")
			c.finalizeRemoteRekey()
		})
	})
}

func (c *ChildSession) stopWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *ChildSession) notifyOpened() {
	cb := c.cb
	if cb == nil {
		return
	}
	c.s.exec.Execute(func() { cb.OnOpened() })
}

func (c *ChildSession) notifyTransformCreated(t *ipsec.OwnedTransform) {
	cb := c.cb
	if cb == nil || t == nil {
		return
	}
	dir := t.Direction
	c.s.exec.Execute(func() { cb.OnIpsecTransformCreated(t, dir) })
}

func (c *ChildSession) notifyTransformsDeleted(in, out *ipsec.OwnedTransform) {
	cb := c.cb
	if cb == nil {
		return
	}
	if in != nil {
		d := in.Direction
		c.s.exec.Execute(func() { cb.OnIpsecTransformDeleted(in, d) })
	}
	if out != nil {
		d := out.Direction
		c.s.exec.Execute(func() { cb.OnIpsecTransformDeleted(out, d) })
	}
}

// teardown 释放当前记录并从父会话摘除
// SA 释放与对端通知处于同一临界区: 调用点都在响应/请求处理内
func (c *ChildSession) teardown(perr *ProtocolError) {
	c.stopWatchdog()

	if c.cur != nil {
		in, out := c.cur.InTransform, c.cur.OutTransform
		delete(c.s.children, c.cur.LocalSpi.Value)
		delete(c.s.remoteSpiMap, c.cur.RemoteSpi)
		if err := c.cur.release(c.s.installer); err != nil {
			c.s.log.Warn("释放 Child SA 失败", logger.Err(err))
		}
		c.notifyTransformsDeleted(in, out)
		c.cur = nil
	}
	c.abortProc()
	if c.pendingNew != nil {
		_ = c.pendingNew.release(c.s.installer)
		c.pendingNew = nil
	}
	if c.pendingRemoteNew != nil {
		_ = c.pendingRemoteNew.release(c.s.installer)
		c.pendingRemoteNew = nil
	}

	c.state = childStateClosed

	cb := c.cb
	if cb != nil {
		if perr != nil {
			c.s.exec.Execute(func() { cb.OnError(perr) })
		}
		c.s.exec.Execute(func() { cb.OnClosed() })
	}
}

// abortProc 丢弃在建过程的瞬态资源
func (c *ChildSession) abortProc() {
	if c.procSpi != nil {
		_ = c.s.installer.ReleaseSpi(c.procSpi)
		c.procSpi = nil
	}
	c.procDH = nil
}

// failFatal Child 级致命错误: 通知用户并拆除，父会话回 Idle
func (c *ChildSession) failFatal(perr *ProtocolError) {
	c.s.log.Error("Child 会话致命错误", logger.String("err", perr.Error()))
	c.teardown(perr)
	if c.s.state != stateClosed {
		c.s.state = stateIdle
		c.s.dequeueNext()
	}
}

// kill 强制关闭: 不发网络流量
func (c *ChildSession) kill() {
	if c.state == childStateClosed {
		return
	}
	c.stopWatchdog()

	if c.cur != nil {
		if err := c.cur.release(c.s.installer); err != nil {
			c.s.log.Warn("强杀释放 Child SA 失败", logger.Err(err))
		}
		c.cur = nil
	}
	c.abortProc()
	if c.pendingNew != nil {
		_ = c.pendingNew.release(c.s.installer)
		c.pendingNew = nil
	}
	if c.pendingRemoteNew != nil {
		_ = c.pendingRemoteNew.release(c.s.installer)
		c.pendingRemoteNew = nil
	}
	c.state = childStateClosed

	cb := c.cb
	if cb != nil {
		c.s.exec.Execute(func() { cb.OnClosed() })
	}
}

// checkErrorNotifies 扫描错误通知
func (c *ChildSession) checkErrorNotifies(payloads []ikev2.Payload) *ProtocolError {
	for _, pl := range payloads {
		if n, ok := pl.(*ikev2.PayloadNotify); ok && ikev2.IsErrorNotify(n.NotifyType) {
			return protoErr(kindFromNotify(n.NotifyType), "对端错误通知 %d", n.NotifyType)
		}
	}
	return nil
}
