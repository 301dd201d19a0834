package ipsec

import (
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/iniwex5/netlink"
	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
)

// XFRMInstaller 基于 Linux XFRM 的变换安装器
// 可选地把所有 netlink 操作固定在一个命名空间内执行
type XFRMInstaller struct {
	mu       sync.Mutex
	reserved map[uint32]bool // 已预留的本端 SPI
	nsHandle netns.NsHandle  // 可选: 目标网络命名空间
	hasNS    bool
	log      *zap.Logger
}

func NewXFRMInstaller() *XFRMInstaller {
	return &XFRMInstaller{
		reserved: make(map[uint32]bool),
		log:      logger.Named("xfrm"),
	}
}

// NewXFRMInstallerInNS 在指定命名空间内执行安装操作
func NewXFRMInstallerInNS(nsName string) (*XFRMInstaller, error) {
	h, err := netns.GetFromName(nsName)
	if err != nil {
		return nil, fmt.Errorf("获取 netns %s 失败: %v", nsName, err)
	}
	inst := NewXFRMInstaller()
	inst.nsHandle = h
	inst.hasNS = true
	return inst, nil
}

// inNS 在目标命名空间里执行 fn (需要 CAP_SYS_ADMIN)
func (x *XFRMInstaller) inNS(fn func() error) error {
	if !x.hasNS {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("获取当前 netns 失败: %v", err)
	}
	defer origin.Close()

	if err := netns.Set(x.nsHandle); err != nil {
		return fmt.Errorf("切换 netns 失败: %v", err)
	}
	defer netns.Set(origin)

	return fn()
}

// AllocateSpi 预留一个非零、进程内唯一的本端 SPI
// 真正的占位在 Install 时随 XFRM state 落到内核
func (x *XFRMInstaller) AllocateSpi(remoteAddr net.IP) (*OwnedSpi, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for attempt := 0; attempt < 32; attempt++ {
		b, err := crypto.RandomBytes(4)
		if err != nil {
			return nil, err
		}
		spi := binary.BigEndian.Uint32(b)
		// RFC 4303: 1-255 保留
		if spi <= 255 || x.reserved[spi] {
			continue
		}
		x.reserved[spi] = true
		return &OwnedSpi{Value: spi, RemoteAddr: remoteAddr}, nil
	}
	return nil, fmt.Errorf("SPI 分配失败: 随机空间耗尽")
}

func (x *XFRMInstaller) ReleaseSpi(spi *OwnedSpi) error {
	if spi.released {
		return ErrAlreadyReleased
	}
	spi.released = true

	x.mu.Lock()
	delete(x.reserved, spi.Value)
	x.mu.Unlock()
	return nil
}

func (x *XFRMInstaller) Install(cfg TransformConfig) (*OwnedTransform, error) {
	state := &netlink.XfrmState{
		Proto: netlink.XFRM_PROTO_ESP,
		Spi:   int(cfg.Spi),
		// 隧道模式 SA 设置 AF_UNSPEC，允许任意地址族的流量
		AFUnspec:     !cfg.Transport,
		ReplayWindow: 32,
	}

	if cfg.Transport {
		state.Mode = netlink.XFRM_MODE_TRANSPORT
	} else {
		state.Mode = netlink.XFRM_MODE_TUNNEL
	}

	if cfg.Direction == DirectionOut {
		state.Src = cfg.LocalAddr
		state.Dst = cfg.RemoteAddr
		state.SADir = netlink.XFRM_SA_DIR_OUT
	} else {
		state.Src = cfg.RemoteAddr
		state.Dst = cfg.LocalAddr
		state.SADir = netlink.XFRM_SA_DIR_IN
	}

	if IsAEADAlgorithm(cfg.EncrAlgID) {
		aead, err := AeadAlgoForID(cfg.EncrAlgID, cfg.EncrKeyBits)
		if err != nil {
			return nil, err
		}
		state.Aead = &netlink.XfrmStateAlgo{
			Name:   aead.Name,
			Key:    cfg.EncrKey,
			ICVLen: aead.ICVBits,
		}
	} else {
		crypt, err := CryptAlgoForID(cfg.EncrAlgID, cfg.EncrKeyBits)
		if err != nil {
			return nil, err
		}
		auth, err := AuthAlgoForID(cfg.IntegAlgID)
		if err != nil {
			return nil, err
		}
		state.Crypt = &netlink.XfrmStateAlgo{Name: crypt.Name, Key: cfg.EncrKey}
		state.Auth = &netlink.XfrmStateAlgo{
			Name:        auth.Name,
			Key:         cfg.IntegKey,
			TruncateLen: auth.TruncateBits,
		}
	}

	// ESP-in-UDP 封装 (NAT-T)
	if cfg.EncapLocalPort != 0 && cfg.EncapRemotePort != 0 {
		srcPort, dstPort := cfg.EncapLocalPort, cfg.EncapRemotePort
		if cfg.Direction == DirectionIn {
			srcPort, dstPort = cfg.EncapRemotePort, cfg.EncapLocalPort
		}
		state.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: srcPort,
			DstPort: dstPort,
		}
	}

	if err := x.inNS(func() error { return netlink.XfrmStateAdd(state) }); err != nil {
		return nil, fmt.Errorf("安装 XFRM SA (spi=0x%x dir=%s) 失败: %v", cfg.Spi, cfg.Direction, err)
	}

	x.log.Debug("XFRM 变换已安装",
		logger.Uint32("spi", cfg.Spi),
		logger.String("dir", cfg.Direction.String()))

	return &OwnedTransform{
		Direction: cfg.Direction,
		Spi:       cfg.Spi,
		src:       state.Src,
		dst:       state.Dst,
	}, nil
}

func (x *XFRMInstaller) Release(t *OwnedTransform) error {
	if t.released {
		return ErrAlreadyReleased
	}
	t.released = true

	x.mu.Lock()
	delete(x.reserved, t.Spi)
	x.mu.Unlock()

	err := x.inNS(func() error {
		return netlink.XfrmStateDel(&netlink.XfrmState{
			Src:   t.src,
			Dst:   t.dst,
			Proto: netlink.XFRM_PROTO_ESP,
			Spi:   int(t.Spi),
		})
	})
	if err != nil {
		return fmt.Errorf("卸载 XFRM SA (spi=0x%x) 失败: %v", t.Spi, err)
	}

	x.log.Debug("XFRM 变换已卸载", logger.Uint32("spi", t.Spi))
	return nil
}
