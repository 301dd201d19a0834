package ike

import "time"

// Timer 可取消的定时器句柄
type Timer interface {
	Stop() bool
}

// Clock 单调时间与定时调度的抽象，测试替换为假时钟
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
