package ipsec

import (
	"errors"
	"net"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// Direction 变换安装方向
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// OwnedSpi 内核侧预留的 Child SPI
// 分配即预留资源，只有持有记录的销毁路径可以释放
type OwnedSpi struct {
	Value      uint32
	RemoteAddr net.IP
	released   bool
}

// OwnedTransform 已安装的内核变换句柄
type OwnedTransform struct {
	Direction Direction
	Spi       uint32
	released  bool

	// 卸载所需的内核侧寻址参数
	src, dst net.IP
}

var (
	ErrAlreadyReleased = errors.New("ipsec: resource already released")
)

// TransformConfig 安装一条变换所需的全部参数
type TransformConfig struct {
	Direction Direction

	LocalAddr  net.IP
	RemoteAddr net.IP
	Spi        uint32

	EncrAlgID    uint16
	EncrKeyBits  int
	IntegAlgID   uint16
	EncrKey      []byte
	IntegKey     []byte

	Transport bool // true=传输模式, false=隧道模式

	// NAT-T 下的 ESP-in-UDP 封装端口，0 表示不封装
	EncapLocalPort  int
	EncapRemotePort int
}

// Zeroize 安装完成后清掉配置里携带的密钥
func (c *TransformConfig) Zeroize() {
	crypto.Zeroize(c.EncrKey)
	crypto.Zeroize(c.IntegKey)
}

// TransformInstaller 内核 IPsec 变换安装设施的抽象
// 真实实现走 netlink/XFRM；测试用 MemoryInstaller
type TransformInstaller interface {
	// AllocateSpi 预留一个本端 Child SPI
	AllocateSpi(remoteAddr net.IP) (*OwnedSpi, error)
	// ReleaseSpi 释放未被变换使用的 SPI (失败回滚路径)
	ReleaseSpi(spi *OwnedSpi) error
	// Install 安装一条变换，成功后 SPI 的所有权随变换走
	Install(cfg TransformConfig) (*OwnedTransform, error)
	// Release 卸载变换并释放其 SPI
	Release(t *OwnedTransform) error
}
