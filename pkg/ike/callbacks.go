package ike

import (
	"net"

	"github.com/iniwex5/ike-go/pkg/ipsec"
)

// SessionConfiguration 会话建立后回传给用户的结果配置
type SessionConfiguration struct {
	// 对端经 CP 载荷下发的内网地址
	InternalAddresses []net.IP
	// NAT 检测结果
	NatDetected bool
}

// SessionCallback IKE 会话级回调，全部经 Executor 派发
type SessionCallback interface {
	OnOpened(cfg *SessionConfiguration)
	OnClosed()
	OnError(err error)
}

// ChildCallback Child 会话级回调
type ChildCallback interface {
	OnOpened()
	OnClosed()
	OnIpsecTransformCreated(t *ipsec.OwnedTransform, dir ipsec.Direction)
	OnIpsecTransformDeleted(t *ipsec.OwnedTransform, dir ipsec.Direction)
	OnError(err error)
}
