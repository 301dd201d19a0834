package ike

import (
	"bytes"
	"testing"
	"time"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// parseRekeyRequest 对端视角解析本端的 Rekey 请求
func parseRekeyRequest(t *testing.T, p *testPeer, header *ikev2.IKEHeader, pls []ikev2.Payload) (newLocalSpi uint32, rekeyedSpi uint32, nonce []byte, saPl *ikev2.PayloadSA, tsi, tsr *ikev2.PayloadTS) {
	t.Helper()
	if header.ExchangeType != ikev2.CREATE_CHILD_SA {
		t.Fatalf("预期 CREATE_CHILD_SA, got %d", header.ExchangeType)
	}
	for _, pl := range pls {
		switch x := pl.(type) {
		case *ikev2.PayloadSA:
			saPl = x
			if len(x.Proposals) > 0 && len(x.Proposals[0].SPI) == 4 {
				newLocalSpi = beUint32(x.Proposals[0].SPI)
			}
		case *ikev2.PayloadNonce:
			nonce = x.NonceData
		case *ikev2.PayloadNotify:
			if x.NotifyType == ikev2.REKEY_SA && len(x.SPI) == 4 {
				rekeyedSpi = beUint32(x.SPI)
			}
		case *ikev2.PayloadTS:
			if x.IsInitiator {
				tsi = x
			} else {
				tsr = x
			}
		}
	}
	if saPl == nil || nonce == nil || tsi == nil || tsr == nil {
		t.Fatal("Rekey 请求载荷不全")
	}
	return
}

// TestLocalChildRekey 软生命周期到点 → Rekey 交换 → 删除旧 SA → 切换
func TestLocalChildRekey(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	// 软生命周期 (默认 3600s) 到点触发 Rekey
	h.clock.Advance(3601 * time.Second)

	header, pls := h.peer.recvSK()
	newLocalSpi, rekeyedSpi, _, saPl, tsi, tsr := parseRekeyRequest(t, h.peer, header, pls)
	if rekeyedSpi == 0 {
		t.Fatal("Rekey 请求缺少 REKEY_SA 通知")
	}
	if newLocalSpi == 0 {
		t.Fatal("Rekey 请求缺少新 SPI")
	}

	// 对端接受: 回带自己新 SPI 的同一提议
	peerNewSpi := uint32(0x0000BEEF)
	spiBytes := []byte{0, 0, 0xBE, 0xEF}
	chosen := ikev2.CloneProposalWithSPI(saPl.Proposals[0], spiBytes)
	nr, _ := crypto.RandomBytes(32)
	h.peer.sendResp(header.MessageID, ikev2.CREATE_CHILD_SA, []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{chosen}},
		&ikev2.PayloadNonce{NonceData: nr},
		tsi,
		tsr,
	})

	// 本端随后删除旧 SA
	delHeader, delPls := h.peer.recvSK()
	var delPl *ikev2.PayloadDelete
	for _, pl := range delPls {
		if d, ok := pl.(*ikev2.PayloadDelete); ok {
			delPl = d
		}
	}
	if delPl == nil || delPl.ProtocolID != ikev2.ProtoESP {
		t.Fatal("Rekey 后应删除旧 Child SA")
	}
	h.peer.sendResp(delHeader.MessageID, ikev2.INFORMATIONAL, []ikev2.Payload{
		ikev2.NewDeleteChild(h.peer.childSpi),
	})

	// 旧变换删除 + 新变换安装
	deleted := 0
	created := 0
	deadline := time.After(2 * time.Second)
	for deleted < 2 || created < 2 {
		select {
		case <-h.cev.deleted:
			deleted++
		case <-h.cev.transforms:
			created++
		case <-deadline:
			t.Fatalf("等待变换事件超时 (deleted=%d created=%d)", deleted, created)
		}
	}

	// 新的远端 SPI 不在此处另行检查
	_ = peerNewSpi

	h.sess.Kill()
	waitClosed(t, h.sev)
	if n := h.installer.LiveCount(); n != 0 {
		t.Errorf("Rekey 后泄漏 %d 个内核资源", n)
	}
}

// TestRemoteChildRekey 对端发起 Rekey: 先装入站，收到对端 Delete 后装出站
func TestRemoteChildRekey(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	// 对端 Rekey 请求 (msg 0): SA(对端新 SPI) + REKEY_SA(本端远端 SPI) + Ni + TS
	peerNewSpiBytes := []byte{0, 0, 0xBE, 0xEF}
	prop := ikev2.NewProposal(1, ikev2.ProtoESP, peerNewSpiBytes)
	prop.AddTransform(ikev2.TransformTypeEncr, ikev2.ENCR_AES_CBC, 128)
	prop.AddTransform(ikev2.TransformTypeInteg, ikev2.AUTH_HMAC_SHA1_96, 0)
	prop.AddTransform(ikev2.TransformTypeESN, 0, 0)

	ni, _ := crypto.RandomBytes(32)
	oldSpiBytes := []byte{0, 0, byte(h.peer.childSpi >> 8), byte(h.peer.childSpi)}
	ts := ikev2.AllIPv4TrafficSelector()

	h.peer.sendReq(0, ikev2.CREATE_CHILD_SA, []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{prop}},
		&ikev2.PayloadNonce{NonceData: ni},
		&ikev2.PayloadNotify{ProtocolID: ikev2.ProtoESP, SPI: oldSpiBytes, NotifyType: ikev2.REKEY_SA},
		&ikev2.PayloadTS{IsInitiator: true, TrafficSelectors: []*ikev2.TrafficSelector{ts}},
		&ikev2.PayloadTS{IsInitiator: false, TrafficSelectors: []*ikev2.TrafficSelector{ts}},
	})

	// 本端响应: 带本端新 SPI 的 SA
	respRaw := h.sock.expectSend(t)
	_, respPls, err := ikev2.DecodeSK(respRaw, h.peer.outboundStateForResp())
	if err != nil {
		t.Fatalf("解密 Rekey 响应失败: %v", err)
	}
	var respSA *ikev2.PayloadSA
	for _, pl := range respPls {
		if sa, ok := pl.(*ikev2.PayloadSA); ok {
			respSA = sa
		}
	}
	if respSA == nil || len(respSA.Proposals) != 1 {
		t.Fatal("Rekey 响应缺少 SA")
	}

	// 此时只应安装了新 SA 的入站变换
	select {
	case d := <-h.cev.transforms:
		if d.String() != "in" {
			t.Errorf("先装的应是入站变换, got %s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待入站变换超时")
	}
	select {
	case d := <-h.cev.transforms:
		t.Fatalf("出站变换不应在对端删除旧 SA 前安装: %s", d)
	case <-time.After(200 * time.Millisecond):
	}

	// 对端删除旧 SA (msg 1)
	h.peer.sendReq(1, ikev2.INFORMATIONAL, []ikev2.Payload{
		ikev2.NewDeleteChild(h.peer.childSpi),
	})
	h.sock.expectSend(t) // Delete 响应

	// 出站变换跟着安装，旧变换删除
	sawOut := false
	deleted := 0
	deadline := time.After(2 * time.Second)
	for !sawOut || deleted < 2 {
		select {
		case d := <-h.cev.transforms:
			if d.String() == "out" {
				sawOut = true
			}
		case <-h.cev.deleted:
			deleted++
		case <-deadline:
			t.Fatalf("等待切换事件超时 (out=%v deleted=%d)", sawOut, deleted)
		}
	}

	h.sess.Kill()
	waitClosed(t, h.sev)
	if n := h.installer.LiveCount(); n != 0 {
		t.Errorf("远端 Rekey 后泄漏 %d 个内核资源", n)
	}
}

// TestSimultaneousChildRekeyPeerWins 同时 Rekey: 对端 Ni 较小时本端删除自己的新 SA
func TestSimultaneousChildRekeyPeerWins(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	// 本端 Rekey 到点，请求在途
	h.clock.Advance(3601 * time.Second)
	header, pls := h.peer.recvSK()
	_, _, localNonce, saPl, tsi, tsr := parseRekeyRequest(t, h.peer, header, pls)

	// 对端同时发起 Rekey，Ni 取全零 → 对端必胜
	peerNi := make([]byte, 32)
	peerNewSpiBytes := []byte{0, 0, 0xBE, 0xEF}
	prop := ikev2.NewProposal(1, ikev2.ProtoESP, peerNewSpiBytes)
	prop.AddTransform(ikev2.TransformTypeEncr, ikev2.ENCR_AES_CBC, 128)
	prop.AddTransform(ikev2.TransformTypeInteg, ikev2.AUTH_HMAC_SHA1_96, 0)
	prop.AddTransform(ikev2.TransformTypeESN, 0, 0)
	oldSpiBytes := []byte{0, 0, byte(h.peer.childSpi >> 8), byte(h.peer.childSpi)}

	h.peer.sendReq(0, ikev2.CREATE_CHILD_SA, []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{prop}},
		&ikev2.PayloadNonce{NonceData: peerNi},
		&ikev2.PayloadNotify{ProtocolID: ikev2.ProtoESP, SPI: oldSpiBytes, NotifyType: ikev2.REKEY_SA},
		tsi,
		tsr,
	})
	h.sock.expectSend(t) // 本端对对端 Rekey 的响应

	if bytes.Compare(localNonce, peerNi) <= 0 {
		t.Fatal("测试前提: 对端 Ni 必须更小")
	}

	// 对端回应本端的 Rekey 请求
	peerNewSpi2 := []byte{0, 0, 0xFE, 0xED}
	chosen := ikev2.CloneProposalWithSPI(saPl.Proposals[0], peerNewSpi2)
	nr, _ := crypto.RandomBytes(32)
	h.peer.sendResp(header.MessageID, ikev2.CREATE_CHILD_SA, []ikev2.Payload{
		&ikev2.PayloadSA{Proposals: []*ikev2.Proposal{chosen}},
		&ikev2.PayloadNonce{NonceData: nr},
		tsi,
		tsr,
	})

	// 仲裁: 本端败 → 删除本端新 SA
	delHeader, delPls := h.peer.recvSK()
	var delPl *ikev2.PayloadDelete
	for _, pl := range delPls {
		if d, ok := pl.(*ikev2.PayloadDelete); ok {
			delPl = d
		}
	}
	if delPl == nil {
		t.Fatal("败方应删除自己的新 SA")
	}
	h.peer.sendResp(delHeader.MessageID, ikev2.INFORMATIONAL, []ikev2.Payload{
		ikev2.NewDeleteChild(0x0000FEED),
	})

	// 对端删除旧 SA，完成切换到对端发起的那条新 SA
	h.peer.sendReq(1, ikev2.INFORMATIONAL, []ikev2.Payload{
		ikev2.NewDeleteChild(h.peer.childSpi),
	})
	h.sock.expectSend(t)

	// 终态: 关闭会话后不得泄漏内核资源
	h.sess.Kill()
	waitClosed(t, h.sev)
	if n := h.installer.LiveCount(); n != 0 {
		t.Errorf("同时 Rekey 后泄漏 %d 个内核资源", n)
	}
}

// TestRekeyTemporaryFailureRetries TEMPORARY_FAILURE 不致命，按计划重试
func TestRekeyTemporaryFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.openSession(t)
	drainTransformEvents(h.cev)

	h.clock.Advance(3601 * time.Second)
	header, _ := h.peer.recvSK()

	h.peer.sendResp(header.MessageID, ikev2.CREATE_CHILD_SA, []ikev2.Payload{
		&ikev2.PayloadNotify{ProtocolID: ikev2.ProtoESP, NotifyType: ikev2.TEMPORARY_FAILURE},
	})

	// Child 不应关闭
	select {
	case <-h.cev.closed:
		t.Fatal("TEMPORARY_FAILURE 不应拆除 Child")
	case <-time.After(300 * time.Millisecond):
	}

	// 60s 后重试
	h.clock.Advance(61 * time.Second)
	retryHeader, retryPls := h.peer.recvSK()
	if retryHeader.ExchangeType != ikev2.CREATE_CHILD_SA {
		t.Fatal("重试应是 CREATE_CHILD_SA")
	}
	foundRekey := false
	for _, pl := range retryPls {
		if n, ok := pl.(*ikev2.PayloadNotify); ok && n.NotifyType == ikev2.REKEY_SA {
			foundRekey = true
		}
	}
	if !foundRekey {
		t.Error("重试请求应仍是 Rekey")
	}

	h.sess.Kill()
	waitClosed(t, h.sev)
}
