package ike

import (
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
)

// IkeExchangeSubType 入站请求的分类
type IkeExchangeSubType int

const (
	SubTypeInformationalOther IkeExchangeSubType = iota
	SubTypeRekeyIke
	SubTypeDeleteIke
	SubTypeCreateChild
	SubTypeRekeyChild
	SubTypeDeleteChild
)

func (t IkeExchangeSubType) String() string {
	switch t {
	case SubTypeRekeyIke:
		return "Rekey-Ike"
	case SubTypeDeleteIke:
		return "Delete-Ike"
	case SubTypeCreateChild:
		return "Create-Child"
	case SubTypeRekeyChild:
		return "Rekey-Child"
	case SubTypeDeleteChild:
		return "Delete-Child"
	default:
		return "Informational-Other"
	}
}

// classifyInbound 按交换类型与载荷内容判定请求子类
func classifyInbound(header *ikev2.IKEHeader, payloads []ikev2.Payload) IkeExchangeSubType {
	switch header.ExchangeType {
	case ikev2.INFORMATIONAL:
		for _, pl := range payloads {
			if d, ok := pl.(*ikev2.PayloadDelete); ok {
				if d.ProtocolID == ikev2.ProtoIKE {
					return SubTypeDeleteIke
				}
				return SubTypeDeleteChild
			}
		}
		return SubTypeInformationalOther

	case ikev2.CREATE_CHILD_SA:
		for _, pl := range payloads {
			if sa, ok := pl.(*ikev2.PayloadSA); ok {
				if len(sa.Proposals) > 0 && sa.Proposals[0].ProtocolID == ikev2.ProtoIKE {
					return SubTypeRekeyIke
				}
			}
		}
		for _, pl := range payloads {
			if n, ok := pl.(*ikev2.PayloadNotify); ok && n.NotifyType == ikev2.REKEY_SA {
				return SubTypeRekeyChild
			}
		}
		return SubTypeCreateChild

	default:
		return SubTypeInformationalOther
	}
}

// dispatchRequest 路由一条已解密的对端请求
// Delete/Rekey-Child 路由到持有被指 SPI 的 Child 会话，其余在 IKE SA 上处理
func (s *IkeSession) dispatchRequest(header *ikev2.IKEHeader, payloads []ikev2.Payload, prevState sessionState) {
	sub := classifyInbound(header, payloads)
	s.log.Debug("入站请求", logger.String("subType", sub.String()),
		logger.Uint32("msgID", header.MessageID))

	switch sub {
	case SubTypeDeleteIke:
		s.handleDeleteIkeRequest(header.MessageID, prevState)
		return

	case SubTypeRekeyIke:
		s.handleRekeyIkeRequest(payloads, header.MessageID, prevState)
		return

	case SubTypeDeleteChild:
		s.handleDeleteChildRequest(payloads, header.MessageID)

	case SubTypeRekeyChild:
		s.handleRekeyChildRequest(payloads, header.MessageID)

	case SubTypeCreateChild:
		// 移动端不接受对端发起的新 Child
		s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.NO_ADDITIONAL_SAS,
		}}, ikev2.CREATE_CHILD_SA, header.MessageID)

	case SubTypeInformationalOther:
		// DPD 等存活探测: 回空响应
		s.sendResponse(nil, ikev2.INFORMATIONAL, header.MessageID)
	}

	if s.state == stateReceiving {
		s.state = prevState
	}
	s.dequeueNext()
}

func (s *IkeSession) handleDeleteIkeRequest(reqMsgID uint32, prevState sessionState) {
	// 对端 Rekey-IKE 后删除旧 SA: 切换而不是关闭
	if s.rekeyIke != nil && s.rekeyIke.remoteNewSa != nil &&
		(prevState == stateRekeyIkeRemote || prevState == stateRekeyIkeSimul) {
		s.sendResponse(nil, ikev2.INFORMATIONAL, reqMsgID)
		s.adoptRekeyedSa(s.rekeyIke.remoteNewSa)
		return
	}

	s.log.Info("对端删除 IKE SA")
	s.sendResponse(nil, ikev2.INFORMATIONAL, reqMsgID)
	s.closeInternal(nil, true)
}

func (s *IkeSession) handleDeleteChildRequest(payloads []ikev2.Payload, reqMsgID uint32) {
	var spis []uint32
	for _, pl := range payloads {
		if d, ok := pl.(*ikev2.PayloadDelete); ok && d.ProtocolID == ikev2.ProtoESP {
			spis = append(spis, d.ChildSPIs()...)
		}
	}

	for _, spi := range spis {
		if child, ok := s.remoteSpiMap[spi]; ok {
			child.handleRemoteDelete(reqMsgID, spis)
			return
		}
	}

	// 未知 SPI 的删除: 回空响应，不动状态
	s.log.Warn("收到未知 Child SPI 的删除请求")
	s.sendResponse(nil, ikev2.INFORMATIONAL, reqMsgID)
}

func (s *IkeSession) handleRekeyChildRequest(payloads []ikev2.Payload, reqMsgID uint32) {
	var rekeySpi uint32
	for _, pl := range payloads {
		if n, ok := pl.(*ikev2.PayloadNotify); ok && n.NotifyType == ikev2.REKEY_SA && len(n.SPI) == 4 {
			rekeySpi = beUint32(n.SPI)
		}
	}

	child, ok := s.remoteSpiMap[rekeySpi]
	if !ok {
		s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoESP,
			NotifyType: ikev2.CHILD_SA_NOT_FOUND,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		return
	}
	child.handleRemoteRekey(payloads, reqMsgID)
}

// ------------------------------------------------------------------
// 本端发起的 INFORMATIONAL 过程

// startInfo 空 INFORMATIONAL (DPD)
func (s *IkeSession) startInfo() {
	err := s.sendRequest(nil, ikev2.INFORMATIONAL, func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
		s.log.Debug("DPD 响应到达")
		s.dequeueNext()
	})
	if err != nil {
		s.log.Warn("发送 DPD 失败", logger.Err(err))
		s.dequeueNext()
	}
}

// startDeleteIke 优雅关闭: Delete-IKE 交换完成后进入 Closed
func (s *IkeSession) startDeleteIke() {
	s.state = stateDeleteIkeLocal
	err := s.sendRequest([]ikev2.Payload{ikev2.NewDeleteIKE()}, ikev2.INFORMATIONAL,
		func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
			s.closeInternal(nil, true)
		})
	if err != nil {
		s.log.Warn("发送 Delete-IKE 失败，直接关闭", logger.Err(err))
		s.closeInternal(nil, false)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
