package ike

import (
	"bytes"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
)

// rekeyIkeProcedure Rekey-IKE 过程的瞬态
type rekeyIkeProcedure struct {
	oldSa *IkeSaRecord

	// 本端发起侧
	localDH    *crypto.DiffieHellman
	localNonce []byte
	newSpiI    uint64
	newSa      *IkeSaRecord // 本端交换派生的新 SA

	// 对端发起侧
	remoteNonce []byte       // 对端请求的 Ni
	remoteNewSa *IkeSaRecord // 对端交换派生的新 SA
}

// ------------------------------------------------------------------
// 本端发起 Rekey-IKE

func (s *IkeSession) startRekeyIkeLocal() {
	proc := &rekeyIkeProcedure{oldSa: s.sa}
	s.rekeyIke = proc

	spiBytes, err := crypto.RandomBytes(8)
	if err != nil {
		s.rekeyIkeAbort(err)
		return
	}
	proc.newSpiI = beUint64(spiBytes)

	proc.localNonce, err = crypto.RandomBytes(32)
	if err != nil {
		s.rekeyIkeAbort(err)
		return
	}

	dhGroup := uint16(ikev2.MODP_2048_bit)
	if t := s.sa.Proposal.FindTransform(ikev2.TransformTypeDH); t != nil {
		dhGroup = uint16(t.ID)
	}
	dh, err := crypto.NewDiffieHellman(dhGroup)
	if err == nil {
		err = dh.GenerateKey()
	}
	if err != nil {
		s.rekeyIkeAbort(err)
		return
	}
	proc.localDH = dh

	prop := ikev2.CloneProposalWithSPI(s.sa.Proposal, spiBytes)
	payloads := []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{prop}},
		&ikev2.PayloadNonce{NonceData: proc.localNonce},
		&ikev2.PayloadKE{DHGroup: ikev2.AlgorithmType(dhGroup), KEData: dh.PublicKeyBytes()},
	}

	s.state = stateRekeyIkeLocal
	s.rekeyIkeOffered = []*ikev2.Proposal{prop}
	if err := s.sendRequest(payloads, ikev2.CREATE_CHILD_SA, s.handleRekeyIkeResponse); err != nil {
		s.rekeyIkeAbort(err)
	}
}

func (s *IkeSession) rekeyIkeAbort(err error) {
	s.log.Warn("Rekey-IKE 过程中止", logger.Err(err))
	s.rekeyIke = nil
	if s.state == stateRekeyIkeLocal || s.state == stateRekeyIkeSimul {
		s.state = stateIdle
	}
	s.dequeueNext()
}

func (s *IkeSession) handleRekeyIkeResponse(header *ikev2.IKEHeader, payloads []ikev2.Payload) {
	proc := s.rekeyIke

	for _, pl := range payloads {
		if n, ok := pl.(*ikev2.PayloadNotify); ok && ikev2.IsErrorNotify(n.NotifyType) {
			kind := kindFromNotify(n.NotifyType)
			if kind == ErrTemporaryFailure {
				// 对端正忙 (可能对向 Rekey 在途)，稍后重试
				s.log.Debug("Rekey-IKE 遇 TEMPORARY_FAILURE，安排重试")
				tag := s.sa
				s.scheduleRetry(&localRequest{kind: reqRekeyIke, ikeSaTag: tag}, 10)
				s.rekeyIkeSoftAbort()
				return
			}
			if kind == ErrInvalidSyntax {
				s.fatal(protoErr(kind, "Rekey-IKE 响应错误通知 %d", n.NotifyType), true)
				return
			}
			s.log.Warn("Rekey-IKE 被拒，安排重试",
				logger.String("kind", kind.String()))
			s.scheduleRetry(&localRequest{kind: reqRekeyIke, ikeSaTag: s.sa}, 30)
			s.rekeyIkeSoftAbort()
			return
		}
	}

	newSa, perr := s.deriveRekeyedIkeSa(proc, payloads, true)
	if perr != nil {
		s.fatal(perr, true)
		return
	}
	proc.newSa = newSa

	if s.state == stateRekeyIkeSimul && proc.remoteNewSa != nil {
		s.resolveSimultaneousIkeRekey()
		return
	}

	// 旧 SA 上删除交换，完成后切换到新 SA
	s.startDeleteOldAfterRekey()
}

func (s *IkeSession) rekeyIkeSoftAbort() {
	if s.rekeyIke != nil && s.rekeyIke.remoteNewSa == nil {
		s.rekeyIke = nil
	}
	if s.state == stateRekeyIkeLocal {
		s.state = stateIdle
	}
	s.dequeueNext()
}

// startDeleteOldAfterRekey RFC 7296 2.8: Rekey 发起方负责删除旧 SA
func (s *IkeSession) startDeleteOldAfterRekey() {
	err := s.sendRequest([]ikev2.Payload{ikev2.NewDeleteIKE()}, ikev2.INFORMATIONAL,
		func(h *ikev2.IKEHeader, pls []ikev2.Payload) {
			s.adoptRekeyedSa(s.rekeyIke.newSa)
		})
	if err != nil {
		s.log.Warn("发送旧 SA Delete 失败，直接切换", logger.Err(err))
		s.adoptRekeyedSa(s.rekeyIke.newSa)
	}
}

// adoptRekeyedSa 原子替换当前 IKE SA 记录
// Child SA 不受影响，后续派生自动使用新 SK_d
func (s *IkeSession) adoptRekeyedSa(newSa *IkeSaRecord) {
	old := s.sa
	s.sa = newSa
	s.rekeyIke = nil
	s.rekeyIkeOffered = nil
	s.haveLastResp = false

	if old != nil {
		if err := old.Release(); err != nil {
			s.log.Warn("释放旧 IKE SA 失败", logger.Err(err))
		}
	}

	s.state = stateIdle
	s.log.Info("IKE SA Rekey 完成",
		logger.Uint64("spiI", newSa.SpiI),
		logger.Uint64("spiR", newSa.SpiR))
	s.dequeueNext()
}

// deriveRekeyedIkeSa 从 Rekey 交换的载荷派生新 IKE SA
// SKEYSEED = prf(SK_d(old), g^ir(new) | Ni | Nr)
func (s *IkeSession) deriveRekeyedIkeSa(proc *rekeyIkeProcedure, payloads []ikev2.Payload, localInit bool) (*IkeSaRecord, *ProtocolError) {
	var saPl *ikev2.PayloadSA
	var noncePl *ikev2.PayloadNonce
	var kePl *ikev2.PayloadKE
	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadSA:
			saPl = p
		case *ikev2.PayloadNonce:
			noncePl = p
		case *ikev2.PayloadKE:
			kePl = p
		}
	}
	if saPl == nil || noncePl == nil || kePl == nil {
		return nil, protoErr(ErrInvalidSyntax, "Rekey-IKE 载荷不完整")
	}

	var matched *ikev2.MatchedAlgorithms
	var chosen *ikev2.Proposal
	if localInit {
		m, err := ikev2.ValidateProposalResponse(s.rekeyIkeOffered, saPl)
		if err != nil {
			return nil, protoErr(ErrNoProposalChosen, "%v", err)
		}
		matched = m
		chosen = saPl.Proposals[0]
	} else {
		p, m := ikev2.SelectProposal([]*ikev2.Proposal{s.sa.Proposal}, saPl)
		if p == nil {
			return nil, protoErr(ErrNoProposalChosen, "Rekey-IKE 请求无可接受提议")
		}
		matched = m
		chosen = p
	}
	if len(chosen.SPI) != 8 {
		return nil, protoErr(ErrInvalidSyntax, "Rekey-IKE 提议缺少 8 字节 SPI")
	}
	peerSpi := beUint64(chosen.SPI)

	var dh *crypto.DiffieHellman
	var ni, nr []byte
	var spiI, spiR uint64
	if localInit {
		dh = proc.localDH
		ni, nr = proc.localNonce, noncePl.NonceData
		spiI, spiR = proc.newSpiI, peerSpi
	} else {
		dh = proc.localDH // 响应侧在 handleRekeyIkeRequest 里生成
		ni, nr = proc.remoteNonce, proc.localNonce
		spiI, spiR = peerSpi, proc.newSpiI
	}

	shared, err := dh.ComputeSharedSecret(kePl.KEData)
	if err != nil {
		return nil, protoErr(ErrInvalidKe, "%v", err)
	}

	prf, err := crypto.GetPRF(uint16(matched.PRF))
	if err != nil {
		return nil, protoErr(ErrNoProposalChosen, "%v", err)
	}
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(matched.Encr), int(matched.EncrKeyLen))
	if err != nil {
		return nil, protoErr(ErrNoProposalChosen, "%v", err)
	}
	integ, err := crypto.GetIntegrityAlgorithm(uint16(matched.Integ))
	if err != nil {
		return nil, protoErr(ErrNoProposalChosen, "%v", err)
	}

	skeyseed := ikev2.ComputeRekeySKEYSEED(s.sa.prf, s.sa.Keys.SK_d, shared, ni, nr)
	encKeyLen, integKeyLen := ikeKeyLens(enc, integ)
	keys, err := ikev2.DeriveIKESAKeys(prf, skeyseed, ni, nr, spiI, spiR, encKeyLen, integKeyLen)
	if err != nil {
		return nil, protoErr(ErrInternalError, "Rekey 密钥派生失败: %v", err)
	}
	crypto.Zeroize(skeyseed)
	crypto.Zeroize(shared)

	newSa, err := newIkeSaRecord(spiI, spiR, localInit, chosen, matched, keys, ni, nr)
	if err != nil {
		return nil, protoErr(ErrInternalError, "%v", err)
	}
	return newSa, nil
}

// ------------------------------------------------------------------
// 对端发起 Rekey-IKE

func (s *IkeSession) handleRekeyIkeRequest(payloads []ikev2.Payload, reqMsgID uint32, prevState sessionState) {
	simul := prevState == stateRekeyIkeLocal || prevState == stateRekeyIkeSimul

	if !simul && prevState != stateIdle && prevState != stateReceiving {
		// 本端有其他过程在途
		s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.TEMPORARY_FAILURE,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		s.state = prevState
		return
	}

	proc := s.rekeyIke
	if proc == nil {
		proc = &rekeyIkeProcedure{oldSa: s.sa}
		s.rekeyIke = proc
	}

	// 响应侧的新 SPIr 与 Nr
	spiBytes, err := crypto.RandomBytes(8)
	if err != nil {
		s.state = prevState
		return
	}
	ourNonce, err := crypto.RandomBytes(32)
	if err != nil {
		s.state = prevState
		return
	}

	// 记录对端 Ni (仲裁与派生都要)
	var reqNonce []byte
	var reqKe *ikev2.PayloadKE
	for _, pl := range payloads {
		switch p := pl.(type) {
		case *ikev2.PayloadNonce:
			reqNonce = p.NonceData
		case *ikev2.PayloadKE:
			reqKe = p
		}
	}
	if reqNonce == nil || reqKe == nil {
		s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.INVALID_SYNTAX,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		s.state = prevState
		return
	}

	// 响应侧专用 DH (与本端发起侧的区分开)
	respProc := &rekeyIkeProcedure{
		oldSa:       proc.oldSa,
		localNonce:  ourNonce,
		newSpiI:     beUint64(spiBytes),
		remoteNonce: reqNonce,
	}
	dhGroup := uint16(reqKe.DHGroup)
	dh, derr := crypto.NewDiffieHellman(dhGroup)
	if derr == nil {
		derr = dh.GenerateKey()
	}
	if derr != nil {
		s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: ikev2.INVALID_KE_PAYLOAD,
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		s.state = prevState
		return
	}
	respProc.localDH = dh

	newSa, perr := s.deriveRekeyedIkeSa(respProc, payloads, false)
	if perr != nil {
		s.sendResponse([]ikev2.Payload{&ikev2.PayloadNotify{
			ProtocolID: ikev2.ProtoIKE,
			NotifyType: perr.NotifyType(),
		}}, ikev2.CREATE_CHILD_SA, reqMsgID)
		s.state = prevState
		return
	}

	proc.remoteNonce = reqNonce
	proc.remoteNewSa = newSa

	// 响应: SA(本端新 SPI), Nr, KE
	prop := ikev2.CloneProposalWithSPI(newSa.Proposal, spiBytes)
	respPayloads := []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{prop}},
		&ikev2.PayloadNonce{NonceData: ourNonce},
		&ikev2.PayloadKE{DHGroup: reqKe.DHGroup, KEData: dh.PublicKeyBytes()},
	}
	s.sendResponse(respPayloads, ikev2.CREATE_CHILD_SA, reqMsgID)

	if simul {
		s.state = stateRekeyIkeSimul
		// 本端交换的响应还没到；仲裁推迟到 handleRekeyIkeResponse
	} else {
		s.state = stateRekeyIkeRemote
		// 等对端删除旧 SA (handleDeleteIkeRequest 里切换)
	}
}

// resolveSimultaneousIkeRekey 双方同时 Rekey-IKE 的仲裁
// 低序 nonce (字典序较小) 的一方保留其新 SA；另一方的新 SA 被删除
func (s *IkeSession) resolveSimultaneousIkeRekey() {
	proc := s.rekeyIke
	win := bytes.Compare(proc.localNonce, proc.remoteNonce) < 0

	if win {
		s.log.Info("同时 Rekey-IKE 仲裁: 本端胜出")
		// 对端会删除它的新 SA；本端照常删除旧 SA 并采用本端新 SA
		proc.remoteNewSa.Keys.Zeroize()
		proc.remoteNewSa = nil
		s.startDeleteOldAfterRekey()
		return
	}

	s.log.Info("同时 Rekey-IKE 仲裁: 对端胜出，废弃本端新 SA")
	// 败方新 SA 由其发起方 (本端) 删除: 在新 SA 上单发 Delete 后清零
	loser := proc.newSa
	proc.newSa = nil
	s.sendDeleteOnSa(loser)
	loser.Keys.Zeroize()

	// 留在 Simul 等对端删除旧 SA，之后切到对端的新 SA
	s.state = stateRekeyIkeSimul
}

// sendDeleteOnSa 在指定 SA 上尽力而为地单发一条 Delete-IKE
func (s *IkeSession) sendDeleteOnSa(sa *IkeSaRecord) {
	header := &ikev2.IKEHeader{
		SPIi:         sa.SpiI,
		SPIr:         sa.SpiR,
		Version:      ikev2.IKEVersion2,
		ExchangeType: ikev2.INFORMATIONAL,
		Flags:        ikev2.FlagInitiator,
		MessageID:    sa.NextLocalMsgID,
	}
	st := sa.outboundCipherState()
	raw, err := ikev2.EncodeSK(header, []ikev2.Payload{ikev2.NewDeleteIKE()}, st)
	if err == nil {
		_ = s.sock.Send(raw)
	}
}
