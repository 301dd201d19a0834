package ike

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/iniwex5/ike-go/pkg/eap"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/sim"
)

// 生命周期边界 (秒)
const (
	defaultHardLifetimeSec = 7200
	defaultSoftLifetimeSec = 3600

	minHardLifetimeSec = 300
	maxHardLifetimeSec = 14400
	minSoftLifetimeSec = 120
	// soft 必须至少比 hard 小这么多
	minLifetimeMarginSec = 60
)

// 超时常量
const (
	defaultEapStepTimeout = 250 * time.Millisecond
	// 远端 Rekey 后等待对端 Delete 旧 SA 的看门狗
	rekeyRemoteDeleteTimeout = 180 * time.Second
)

// SessionConfig IKE 会话创建时消费的配置
type SessionConfig struct {
	LocalAddr  net.IP
	RemoteAddr net.IP
	RemotePort int // 默认 500

	// IKE SA 提议，至少一个
	SaProposals []*ikev2.Proposal
	// 首个 Child SA (隐式创建) 的提议，SPI 发送时填充
	ChildProposals []*ikev2.Proposal

	// EAP 方法与 SIM 提供者
	EapMethod   uint8 // eap.TypeSIM / eap.TypeAKA / eap.TypeAKAPrime
	SimProvider sim.AuthProvider
	// LocalIdentity NAI；空则向 SimProvider 获取
	LocalIdentity  string
	RemoteIdentity string

	// 流量选择器，空则默认 all-v4
	TsInit []*ikev2.TrafficSelector
	TsResp []*ikev2.TrafficSelector

	// Child SA 生命周期 (秒)，0 用默认
	HardLifetimeSec uint32
	SoftLifetimeSec uint32

	// true=传输模式
	Transport bool

	// EAP 单步外部向量获取的时间上限
	EapStepTimeout time.Duration
}

// Validate 校验配置并填充默认值
func (c *SessionConfig) Validate() error {
	if c.LocalAddr == nil || c.RemoteAddr == nil {
		return errors.New("缺少本端/远端地址")
	}
	if len(c.SaProposals) == 0 {
		return errors.New("至少需要一个 IKE SA 提议")
	}
	if len(c.ChildProposals) == 0 {
		return errors.New("至少需要一个 Child SA 提议")
	}
	if c.SimProvider == nil {
		return errors.New("缺少 SIM 鉴权提供者")
	}
	switch c.EapMethod {
	case eap.TypeSIM, eap.TypeAKA, eap.TypeAKAPrime:
	default:
		return fmt.Errorf("不支持的 EAP 方法: %d", c.EapMethod)
	}

	if c.RemotePort == 0 {
		c.RemotePort = 500
	}
	if c.HardLifetimeSec == 0 {
		c.HardLifetimeSec = defaultHardLifetimeSec
	}
	if c.SoftLifetimeSec == 0 {
		c.SoftLifetimeSec = defaultSoftLifetimeSec
	}
	if c.HardLifetimeSec < minHardLifetimeSec || c.HardLifetimeSec > maxHardLifetimeSec {
		return fmt.Errorf("硬生命周期越界: %d (允许 %d..%d)",
			c.HardLifetimeSec, minHardLifetimeSec, maxHardLifetimeSec)
	}
	if c.SoftLifetimeSec < minSoftLifetimeSec ||
		c.SoftLifetimeSec > c.HardLifetimeSec-minLifetimeMarginSec {
		return fmt.Errorf("软生命周期越界: %d (允许 %d..hard-%d)",
			c.SoftLifetimeSec, minSoftLifetimeSec, minLifetimeMarginSec)
	}

	if len(c.TsInit) == 0 {
		c.TsInit = []*ikev2.TrafficSelector{ikev2.AllIPv4TrafficSelector()}
	}
	if len(c.TsResp) == 0 {
		c.TsResp = []*ikev2.TrafficSelector{ikev2.AllIPv4TrafficSelector()}
	}
	if c.EapStepTimeout == 0 {
		c.EapStepTimeout = defaultEapStepTimeout
	}
	return nil
}

// DefaultIkeProposals 常见 ePDG 兼容的 IKE 提议集
func DefaultIkeProposals() []*ikev2.Proposal {
	propCBC := ikev2.NewProposal(1, ikev2.ProtoIKE, nil)
	propCBC.AddTransform(ikev2.TransformTypeEncr, ikev2.ENCR_AES_CBC, 128)
	propCBC.AddTransform(ikev2.TransformTypeInteg, ikev2.AUTH_HMAC_SHA1_96, 0)
	propCBC.AddTransform(ikev2.TransformTypePRF, ikev2.PRF_HMAC_SHA1, 0)
	propCBC.AddTransform(ikev2.TransformTypeDH, ikev2.MODP_2048_bit, 0)

	propGCM := ikev2.NewProposal(2, ikev2.ProtoIKE, nil)
	propGCM.AddTransform(ikev2.TransformTypeEncr, ikev2.ENCR_AES_GCM_16, 128)
	propGCM.AddTransform(ikev2.TransformTypePRF, ikev2.PRF_HMAC_SHA2_256, 0)
	propGCM.AddTransform(ikev2.TransformTypeDH, ikev2.MODP_2048_bit, 0)

	return []*ikev2.Proposal{propCBC, propGCM}
}

// DefaultChildProposals 常见 ESP 提议集
func DefaultChildProposals() []*ikev2.Proposal {
	propGCM := ikev2.NewProposal(1, ikev2.ProtoESP, nil)
	propGCM.AddTransform(ikev2.TransformTypeEncr, ikev2.ENCR_AES_GCM_16, 128)
	propGCM.AddTransform(ikev2.TransformTypeESN, 0, 0)

	propCBC := ikev2.NewProposal(2, ikev2.ProtoESP, nil)
	propCBC.AddTransform(ikev2.TransformTypeEncr, ikev2.ENCR_AES_CBC, 128)
	propCBC.AddTransform(ikev2.TransformTypeInteg, ikev2.AUTH_HMAC_SHA1_96, 0)
	propCBC.AddTransform(ikev2.TransformTypeESN, 0, 0)

	return []*ikev2.Proposal{propGCM, propCBC}
}
