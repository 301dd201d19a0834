package ike

import (
	"bytes"
	"crypto/hmac"
	"errors"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/eap"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sim"
)

// RFC 7296 2.15: EAP 产生的 MSK 做 AUTH 时的固定填充串
var ikeAuthKeyPad = []byte("Key Pad for IKEv2")

// ------------------------------------------------------------------
// IKE_SA_INIT

func (s *IkeSession) startOpen() {
	if s.state != stateInitial || s.opened {
		s.log.Warn("Open 被忽略: 会话不在 Initial 状态")
		return
	}
	s.opened = true

	identity := s.cfg.LocalIdentity
	if identity == "" {
		app := sim.AppTypeUSIM
		if s.cfg.EapMethod == eap.TypeSIM {
			app = sim.AppTypeSIM
		}
		id, err := s.cfg.SimProvider.Identity(app)
		if err != nil {
			s.closeInternal(protoErr(ErrInternalError, "获取 SIM 身份失败: %v", err), false)
			return
		}
		identity = id
	}
	s.identity = []byte(identity)

	if err := s.sendInitRequest(); err != nil {
		s.closeInternal(protoErr(ErrInternalError, "发送 IKE_SA_INIT 失败: %v", err), false)
	}
}

func (s *IkeSession) sendInitRequest() error {
	if s.ni == nil {
		var err error
		s.ni, err = crypto.RandomBytes(32)
		if err != nil {
			return err
		}
	}

	// 发起方 SPI 随机；DH 组取首个 IKE 提议
	if s.dh == nil {
		spiBytes, err := crypto.RandomBytes(8)
		if err != nil {
			return err
		}
		spiI := beUint64(spiBytes)

		dhGroup := uint16(ikev2.MODP_2048_bit)
		if t := s.cfg.SaProposals[0].FindTransform(ikev2.TransformTypeDH); t != nil {
			dhGroup = uint16(t.ID)
		}
		dh, err := crypto.NewDiffieHellman(dhGroup)
		if err != nil {
			return err
		}
		if err := dh.GenerateKey(); err != nil {
			return err
		}
		s.dh = dh
		s.pendingSpiI = spiI
	}

	saPayload := &ikev2.PayloadSA{Proposals: s.cfg.SaProposals}
	kePayload := &ikev2.PayloadKE{
		DHGroup: ikev2.AlgorithmType(s.dh.Group),
		KEData:  s.dh.PublicKeyBytes(),
	}
	noncePayload := &ikev2.PayloadNonce{NonceData: s.ni}

	payloads := []ikev2.Payload{}
	if len(s.cookie) > 0 {
		payloads = append(payloads, &ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.COOKIE,
			NotifyData: s.cookie,
		})
	}
	payloads = append(payloads, saPayload, kePayload, noncePayload)

	// NAT 检测哈希 (RFC 7296 2.23)
	local := s.sock.LocalAddr()
	remote := s.sock.RemoteAddr()
	srcHash := ikev2.NATDetectionHash(s.pendingSpiI, 0, local.IP.To4(), uint16(local.Port))
	dstHash := ikev2.NATDetectionHash(s.pendingSpiI, 0, remote.IP.To4(), uint16(remote.Port))
	payloads = append(payloads,
		ikev2.NewNATDetectionNotify(ikev2.NAT_DETECTION_SOURCE_IP, srcHash),
		ikev2.NewNATDetectionNotify(ikev2.NAT_DETECTION_DESTINATION_IP, dstHash),
	)

	s.state = stateIkeInitLocal
	err := s.sendRequestWithSpi(s.pendingSpiI, 0, payloads, ikev2.IKE_SA_INIT, s.handleInitResponse)
	if err != nil {
		return err
	}
	s.initReqBytes = append([]byte(nil), s.pending.bytes...)
	return nil
}

func (s *IkeSession) handleInitResponse(header *ikev2.IKEHeader, payloads []ikev2.Payload) {
	var saPl *ikev2.PayloadSA
	var kePl *ikev2.PayloadKE
	var noncePl *ikev2.PayloadNonce
	var natSrcHashes [][]byte
	var natDstHash []byte

	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadSA:
			saPl = p
		case *ikev2.PayloadKE:
			kePl = p
		case *ikev2.PayloadNonce:
			noncePl = p
		case *ikev2.PayloadNotify:
			switch p.NotifyType {
			case ikev2.COOKIE:
				// 对端要求带 COOKIE 重试
				s.log.Debug("收到 COOKIE，重发 IKE_SA_INIT")
				s.cookie = p.NotifyData
				s.initRespBytes = nil
				if err := s.sendInitRequest(); err != nil {
					s.closeInternal(protoErr(ErrInternalError, "COOKIE 重试失败: %v", err), false)
				}
				return
			case ikev2.NAT_DETECTION_SOURCE_IP:
				natSrcHashes = append(natSrcHashes, p.NotifyData)
			case ikev2.NAT_DETECTION_DESTINATION_IP:
				natDstHash = p.NotifyData
			default:
				if ikev2.IsErrorNotify(p.NotifyType) {
					s.closeInternal(protoErr(kindFromNotify(p.NotifyType),
						"IKE_SA_INIT 被拒: 通知 %d", p.NotifyType), false)
					return
				}
			}
		}
	}

	if saPl == nil || kePl == nil || noncePl == nil {
		s.fatal(protoErr(ErrInvalidSyntax, "IKE_SA_INIT 响应缺少 SA/KE/Nonce"), true)
		return
	}

	matched, err := ikev2.ValidateProposalResponse(s.cfg.SaProposals, saPl)
	if err != nil {
		s.fatal(protoErr(ErrNoProposalChosen, "%v", err), true)
		return
	}
	if uint16(kePl.DHGroup) != s.dh.Group {
		s.fatal(protoErr(ErrInvalidKe, "响应 DH 组 %d 与本端 %d 不符", kePl.DHGroup, s.dh.Group), true)
		return
	}

	shared, err := s.dh.ComputeSharedSecret(kePl.KEData)
	if err != nil {
		s.fatal(protoErr(ErrInvalidKe, "%v", err), true)
		return
	}

	s.nr = noncePl.NonceData

	prf, err := crypto.GetPRF(uint16(matched.PRF))
	if err != nil {
		s.fatal(protoErr(ErrNoProposalChosen, "%v", err), true)
		return
	}
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(matched.Encr), int(matched.EncrKeyLen))
	if err != nil {
		s.fatal(protoErr(ErrNoProposalChosen, "%v", err), true)
		return
	}
	integ, err := crypto.GetIntegrityAlgorithm(uint16(matched.Integ))
	if err != nil {
		s.fatal(protoErr(ErrNoProposalChosen, "%v", err), true)
		return
	}

	skeyseed := ikev2.ComputeSKEYSEED(prf, s.ni, s.nr, shared)
	encKeyLen, integKeyLen := ikeKeyLens(enc, integ)
	keys, err := ikev2.DeriveIKESAKeys(prf, skeyseed, s.ni, s.nr,
		s.pendingSpiI, header.SPIr, encKeyLen, integKeyLen)
	if err != nil {
		s.fatal(protoErr(ErrInternalError, "密钥派生失败: %v", err), true)
		return
	}
	crypto.Zeroize(skeyseed)
	crypto.Zeroize(shared)

	sa, err := newIkeSaRecord(s.pendingSpiI, header.SPIr, true,
		saPl.Proposals[0], matched, keys, s.ni, s.nr)
	if err != nil {
		s.fatal(protoErr(ErrInternalError, "%v", err), true)
		return
	}
	sa.NextLocalMsgID = 1
	s.sa = sa
	s.chosenAlgs = matched

	// NAT 检测: 对端报告的源哈希都对不上 → 对端在 NAT 后；
	// 目的哈希对不上 → 本端在 NAT 后。任一命中都切 4500
	s.detectNat(natSrcHashes, natDstHash)

	s.log.Info("IKE_SA_INIT 完成",
		logger.Uint64("spiI", sa.SpiI),
		logger.Uint64("spiR", sa.SpiR),
		logger.Bool("nat", s.natDetected))

	if err := s.sendAuthRequest(); err != nil {
		s.fatal(protoErr(ErrInternalError, "发送 IKE_AUTH 失败: %v", err), true)
	}
}

func (s *IkeSession) detectNat(peerSrcHashes [][]byte, peerDstHash []byte) {
	local := s.sock.LocalAddr()
	remote := s.sock.RemoteAddr()

	if peerDstHash != nil {
		expect := ikev2.NATDetectionHash(s.sa.SpiI, s.sa.SpiR, local.IP.To4(), uint16(local.Port))
		if !bytes.Equal(peerDstHash, expect) {
			s.natDetected = true
		}
	}
	if len(peerSrcHashes) > 0 {
		expect := ikev2.NATDetectionHash(s.sa.SpiI, s.sa.SpiR, remote.IP.To4(), uint16(remote.Port))
		match := false
		for _, h := range peerSrcHashes {
			if bytes.Equal(h, expect) {
				match = true
				break
			}
		}
		if !match {
			s.natDetected = true
		}
	}

	if s.natDetected {
		if err := s.sock.SwitchToEncapPort(); err != nil {
			s.log.Warn("切换 NAT-T 端口失败", logger.Err(err))
		}
	}
}

// ------------------------------------------------------------------
// IKE_AUTH (EAP 内层循环)

func (s *IkeSession) sendAuthRequest() error {
	// 第一条 Child SA 的本端 SPI 必须先预留，SA2 载荷要带
	child, err := newChildSession(s, s.firstChildCb)
	if err != nil {
		return err
	}
	s.pendingFirstChild = child

	m, err := eap.NewMachine(&eap.Config{
		MethodType: s.cfg.EapMethod,
		Identity:   s.identity,
		Provider:   s.cfg.SimProvider,
	}, s.log.Named("eap"))
	if err != nil {
		return err
	}
	s.eapMachine = m

	idi := &ikev2.PayloadID{
		IDType:      ikev2.ID_RFC822_ADDR,
		IDData:      s.identity,
		IsInitiator: true,
	}

	payloads := []ikev2.Payload{idi}
	if s.cfg.RemoteIdentity != "" {
		payloads = append(payloads, &ikev2.PayloadID{
			IDType: ikev2.ID_FQDN,
			IDData: []byte(s.cfg.RemoteIdentity),
		})
	}

	payloads = append(payloads, child.buildSaPayload(s.cfg.ChildProposals))
	payloads = append(payloads, &ikev2.PayloadTS{IsInitiator: true, TrafficSelectors: s.cfg.TsInit})
	payloads = append(payloads, &ikev2.PayloadTS{IsInitiator: false, TrafficSelectors: s.cfg.TsResp})

	// 仅 EAP 认证 (RFC 5998)，不带 AUTH 载荷
	payloads = append(payloads, &ikev2.PayloadNotify{
		ProtocolID: ikev2.ProtoIKE,
		NotifyType: ikev2.EAP_ONLY_AUTHENTICATION,
	})
	if s.cfg.Transport {
		payloads = append(payloads, &ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.USE_TRANSPORT_MODE,
		})
	}
	payloads = append(payloads, &ikev2.PayloadNotify{
		ProtocolID: ikev2.ProtoIKE,
		NotifyType: ikev2.ESP_TFC_PADDING_NOT_SUPPORTED,
	})

	s.state = stateIkeAuthLocal
	return s.sendRequest(payloads, ikev2.IKE_AUTH, s.handleAuthResponse)
}

func (s *IkeSession) handleAuthResponse(header *ikev2.IKEHeader, payloads []ikev2.Payload) {
	var eapPl *ikev2.PayloadEAP
	var authPl *ikev2.PayloadAuth

	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadEAP:
			eapPl = p
		case *ikev2.PayloadAuth:
			authPl = p
		case *ikev2.PayloadNotify:
			if ikev2.IsErrorNotify(p.NotifyType) {
				s.fatal(protoErr(kindFromNotify(p.NotifyType),
					"IKE_AUTH 错误通知 %d", p.NotifyType), true)
				return
			}
		}
	}

	if eapPl == nil {
		s.fatal(protoErr(ErrAuthenticationFailed, "IKE_AUTH 响应不含 EAP 载荷"), true)
		return
	}

	// EAP 单步时限看门狗: 外部向量获取不允许无限阻塞
	start := s.clock.Now()
	result, err := s.eapMachine.Process(eapPl.EAPMessage)
	if elapsed := s.clock.Now().Sub(start); elapsed > s.cfg.EapStepTimeout {
		s.log.Warn("EAP 单步超出时限", logger.Duration("elapsed", elapsed))
	}
	if err != nil {
		s.fatal(protoErr(ErrAuthenticationFailed, "EAP: %v", err), true)
		return
	}

	switch {
	case result.Failure:
		s.fatal(protoErr(ErrAuthenticationFailed, "EAP 认证被对端拒绝"), true)

	case result.Success:
		s.msk = result.MSK
		// 附带验证服务器早先发的 AUTH (若有)
		if authPl != nil && !s.verifyResponderAuth(authPl, payloads) {
			s.fatal(protoErr(ErrAuthenticationFailed, "响应方 AUTH 校验失败"), true)
			return
		}
		if err := s.sendAuthFinalRequest(); err != nil {
			s.fatal(protoErr(ErrInternalError, "发送最终 AUTH 失败: %v", err), true)
		}

	case result.Response != nil:
		eapOut := &ikev2.PayloadEAP{EAPMessage: result.Response}
		if err := s.sendRequest([]ikev2.Payload{eapOut}, ikev2.IKE_AUTH, s.handleAuthResponse); err != nil {
			s.fatal(protoErr(ErrInternalError, "发送 EAP 响应失败: %v", err), true)
		}

	default:
		s.fatal(protoErr(ErrAuthenticationFailed, "EAP 状态机无输出"), true)
	}
}

// sendAuthFinalRequest EAP 成功后发送 SK{AUTH}
// AUTH = prf(prf(MSK, "Key Pad for IKEv2"), <InitiatorSignedOctets>)
// octets = RealMessage1 | NonceR | prf(SK_pi, IDi_body)
func (s *IkeSession) sendAuthFinalRequest() error {
	authData, err := s.computeAuthData(true)
	if err != nil {
		return err
	}
	authPayload := &ikev2.PayloadAuth{
		AuthMethod: ikev2.AuthMethodSharedKey,
		AuthData:   authData,
	}
	return s.sendRequest([]ikev2.Payload{authPayload}, ikev2.IKE_AUTH, s.handleAuthFinalResponse)
}

// computeAuthData forInitiator=true 算本端 (发起方) 的 AUTH，否则算响应方期望值
func (s *IkeSession) computeAuthData(forInitiator bool) ([]byte, error) {
	prf, err := crypto.GetPRF(s.sa.PrfID)
	if err != nil {
		return nil, err
	}

	authKey := prf.Compute(s.msk, ikeAuthKeyPad)

	var msg, nonce, prfKey, idBody []byte
	if forInitiator {
		msg = s.initReqBytes
		nonce = s.nr
		prfKey = s.sa.Keys.SK_pi
		idi := &ikev2.PayloadID{IDType: ikev2.ID_RFC822_ADDR, IDData: s.identity, IsInitiator: true}
		idBody, _ = idi.Encode()
	} else {
		msg = s.initRespBytes
		nonce = s.ni
		prfKey = s.sa.Keys.SK_pr
		if s.responderIDBody == nil {
			return nil, errProtocolNoIDr
		}
		idBody = s.responderIDBody
	}

	idHash := prf.Compute(prfKey, idBody)

	octets := make([]byte, 0, len(msg)+len(nonce)+len(idHash))
	octets = append(octets, msg...)
	octets = append(octets, nonce...)
	octets = append(octets, idHash...)

	return prf.Compute(authKey, octets), nil
}

// verifyResponderAuth 校验响应方 AUTH；需要响应中的 IDr
func (s *IkeSession) verifyResponderAuth(authPl *ikev2.PayloadAuth, payloads []ikev2.Payload) bool {
	for _, pl := range payloads {
		if idr, ok := pl.(*ikev2.PayloadID); ok && !idr.IsInitiator {
			s.responderIDBody, _ = idr.Encode()
		}
	}
	if s.responderIDBody == nil {
		s.log.Warn("响应缺少 IDr，跳过响应方 AUTH 校验")
		return true
	}
	expected, err := s.computeAuthData(false)
	if err != nil {
		s.log.Warn("计算响应方 AUTH 失败", logger.Err(err))
		return false
	}
	return hmac.Equal(expected, authPl.AuthData)
}

// handleAuthFinalResponse 最终 IKE_AUTH 响应: AUTH + 第一条 Child SA
func (s *IkeSession) handleAuthFinalResponse(header *ikev2.IKEHeader, payloads []ikev2.Payload) {
	var authPl *ikev2.PayloadAuth
	var cpPl *ikev2.PayloadCP

	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadAuth:
			authPl = p
		case *ikev2.PayloadCP:
			cpPl = p
		case *ikev2.PayloadID:
			if !p.IsInitiator {
				s.responderIDBody, _ = p.Encode()
			}
		case *ikev2.PayloadNotify:
			if ikev2.IsErrorNotify(p.NotifyType) {
				s.fatal(protoErr(kindFromNotify(p.NotifyType),
					"最终 IKE_AUTH 错误通知 %d", p.NotifyType), true)
				return
			}
		}
	}

	if authPl == nil {
		s.fatal(protoErr(ErrAuthenticationFailed, "最终响应缺少 AUTH"), true)
		return
	}
	if !s.verifyResponderAuth(authPl, payloads) {
		s.fatal(protoErr(ErrAuthenticationFailed, "响应方 AUTH 校验失败"), true)
		return
	}

	// 第一条 Child SA 从同一响应建立 (密钥不带 DH)
	child := s.pendingFirstChild
	s.pendingFirstChild = nil
	if err := child.completeFirstChild(payloads); err != nil {
		s.fatal(err, true)
		return
	}

	s.registerChild(child)

	result := &SessionConfiguration{NatDetected: s.natDetected}
	if cpPl != nil {
		result.InternalAddresses = cpPl.InternalIP4Addresses()
	}

	s.state = stateIdle
	cb := s.cb
	s.exec.Execute(func() { cb.OnOpened(result) })
	s.log.Info("IKE 会话已建立")
	s.dequeueNext()
}

var errProtocolNoIDr = errors.New("缺少响应方 ID")

// registerChild 把 Child 会话挂到双向索引
func (s *IkeSession) registerChild(c *ChildSession) {
	s.children[c.localSpi()] = c
	if c.cur != nil && c.cur.RemoteSpi != 0 {
		s.remoteSpiMap[c.cur.RemoteSpi] = c
	}
}

// provisionalRegister 临时注册: 响应的 SA 载荷一解析就登记远端 SPI，
// 让并发到达的对端 Delete/Rekey 能路由到仍在初始化的 Child
func (s *IkeSession) provisionalRegister(remoteSpi uint32, c *ChildSession) {
	if remoteSpi != 0 {
		s.remoteSpiMap[remoteSpi] = c
	}
}

func (s *IkeSession) provisionalDeregister(remoteSpi uint32) {
	delete(s.remoteSpiMap, remoteSpi)
}
