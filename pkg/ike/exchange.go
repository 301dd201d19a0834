package ike

import (
	"time"

	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// 重传参数: 基础 500ms, 倍增, 最多 8 次，之后 SA 进入致命错误
// 累计约 500ms * (2^8 - 1) ≈ 127s 发送窗口 + 最终等待
const (
	retransBase        = 500 * time.Millisecond
	retransMultiplier  = 2
	retransMaxAttempts = 8
)

// pendingExchange 一笔在途的本端请求
// 不变式: 每条 IKE SA 同时至多一笔 (窗口为 1)
type pendingExchange struct {
	msgID        uint32
	exchangeType ikev2.ExchangeType
	// 已编码的请求字节，重传时原样重发
	bytes []byte

	attempts int
	timer    Timer

	// 响应处理器，由发起该交换的状态装配
	onResponse func(header *ikev2.IKEHeader, payloads []ikev2.Payload)
}

func (p *pendingExchange) cancelTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// nextRetransDelay 第 n 次重传的退避间隔
func nextRetransDelay(attempt int) time.Duration {
	d := retransBase
	for i := 0; i < attempt; i++ {
		d *= retransMultiplier
	}
	return d
}
