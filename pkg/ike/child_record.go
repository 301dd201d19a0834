package ike

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/ipsec"
)

// ChildSaRecord 一条 Child SA 的资源与协商状态
// 不变式: 存活记录的入站/出站变换都已安装；删除时二者与对端通知在
// 同一临界区内释放
type ChildSaRecord struct {
	LocalSpi  *ipsec.OwnedSpi // 内核预留的本端 SPI
	RemoteSpi uint32          // 对端选择

	IsLocalInit bool
	IsTransport bool

	InTransform  *ipsec.OwnedTransform
	OutTransform *ipsec.OwnedTransform

	LocalTs  []*ikev2.TrafficSelector
	RemoteTs []*ikev2.TrafficSelector

	Keys *ikev2.ChildSAKeys

	// 本次协商定下的 Proposal (Rekey 重用)
	negotiated *ikev2.Proposal

	// 软生命周期触发的 Rekey 定时器；Rekey 掉队后作废
	rekeyTimer Timer

	released bool
}

// negotiatedProposal Rekey 重用上次协商结果
func (r *ChildSaRecord) negotiatedProposal() *ikev2.Proposal {
	return r.negotiated
}

// cancelRekeyTimer 停掉尚未触发的定时器
func (r *ChildSaRecord) cancelRekeyTimer() {
	if r.rekeyTimer != nil {
		r.rekeyTimer.Stop()
		r.rekeyTimer = nil
	}
}

// release 释放两个方向的变换与 SPI 并清零密钥
// 与对端 Delete 通知处于同一临界区 (调用点都在会话循环内)
func (r *ChildSaRecord) release(installer ipsec.TransformInstaller) error {
	if r.released {
		return fmt.Errorf("Child SA 记录已释放 (spi=%x)", r.LocalSpi.Value)
	}
	r.released = true
	r.cancelRekeyTimer()

	var err error
	if r.OutTransform != nil {
		err = multierr.Append(err, installer.Release(r.OutTransform))
	}
	if r.InTransform != nil {
		// 入站变换持有本端 SPI，随变换一起释放
		err = multierr.Append(err, installer.Release(r.InTransform))
	} else {
		err = multierr.Append(err, installer.ReleaseSpi(r.LocalSpi))
	}
	r.Keys.Zeroize()
	return err
}

func (r *ChildSaRecord) String() string {
	return fmt.Sprintf("ChildSa(local=%08x remote=%08x localInit=%v)",
		r.LocalSpi.Value, r.RemoteSpi, r.IsLocalInit)
}
