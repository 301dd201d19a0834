package ipsec

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// MemoryInstaller 纯内存的变换安装器，用于测试与无内核权限的环境
// 语义与 XFRMInstaller 对齐: SPI 预留、双重释放检测
type MemoryInstaller struct {
	mu        sync.Mutex
	reserved  map[uint32]bool
	installed map[uint32]Direction

	// 统计，测试断言泄漏用
	AllocCount   int
	ReleaseCount int
}

func NewMemoryInstaller() *MemoryInstaller {
	return &MemoryInstaller{
		reserved:  make(map[uint32]bool),
		installed: make(map[uint32]Direction),
	}
}

func (m *MemoryInstaller) AllocateSpi(remoteAddr net.IP) (*OwnedSpi, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		b, err := crypto.RandomBytes(4)
		if err != nil {
			return nil, err
		}
		spi := binary.BigEndian.Uint32(b)
		if spi <= 255 || m.reserved[spi] {
			continue
		}
		m.reserved[spi] = true
		m.AllocCount++
		return &OwnedSpi{Value: spi, RemoteAddr: remoteAddr}, nil
	}
}

func (m *MemoryInstaller) ReleaseSpi(spi *OwnedSpi) error {
	if spi.released {
		return ErrAlreadyReleased
	}
	spi.released = true

	m.mu.Lock()
	delete(m.reserved, spi.Value)
	m.ReleaseCount++
	m.mu.Unlock()
	return nil
}

func (m *MemoryInstaller) Install(cfg TransformConfig) (*OwnedTransform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cfg.Spi
	if _, dup := m.installed[key]; dup && cfg.Direction == DirectionIn {
		return nil, fmt.Errorf("SPI 0x%x 已有变换", key)
	}
	m.installed[key] = cfg.Direction

	return &OwnedTransform{
		Direction: cfg.Direction,
		Spi:       cfg.Spi,
		src:       cfg.LocalAddr,
		dst:       cfg.RemoteAddr,
	}, nil
}

func (m *MemoryInstaller) Release(t *OwnedTransform) error {
	if t.released {
		return ErrAlreadyReleased
	}
	t.released = true

	m.mu.Lock()
	delete(m.installed, t.Spi)
	delete(m.reserved, t.Spi)
	m.ReleaseCount++
	m.mu.Unlock()
	return nil
}

// LiveCount 当前存活的预留/安装数
func (m *MemoryInstaller) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved) + len(m.installed)
}
