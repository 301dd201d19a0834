package ipsec

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/iniwex5/ike-go/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// UDP_ENCAP socket 选项 (linux/udp.h)
const (
	sockoptUDPEncap          = 100
	sockoptUDPEncapESPinUDP  = 2
)

// 端口 4500 上每条 IKE 报文前的 4 字节零标记 (RFC 3948)
var nonESPMarker = []byte{0, 0, 0, 0}

const (
	PortIKE  = 500
	PortNATT = 4500
)

// UDPSocket IKE 报文的 UDP 传输
// 端口 500 裸发；切到 4500 (NAT-T) 后发送带 non-ESP 标记并开启内核 ESP-in-UDP 解封装
type UDPSocket struct {
	mu         sync.Mutex
	conn       *net.UDPConn
	localIP    net.IP
	remoteIP   net.IP
	remotePort int

	encap atomic.Bool // 已切到 4500

	packets   chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	receivedIKE uint64
	droppedESP  uint64

	log *zap.Logger
}

// NewUDPSocket 绑定本端地址并连接远端 IKE 端口
func NewUDPSocket(local, remote net.IP, remotePort int) (*UDPSocket, error) {
	if remotePort == 0 {
		remotePort = PortIKE
	}

	lAddr := &net.UDPAddr{IP: local, Port: PortIKE}
	conn, err := net.ListenUDP("udp", lAddr)
	if err != nil {
		// 500 被占用时退回随机端口
		lAddr.Port = 0
		conn, err = net.ListenUDP("udp", lAddr)
		if err != nil {
			return nil, fmt.Errorf("绑定 UDP 失败: %v", err)
		}
	}

	s := &UDPSocket{
		conn:       conn,
		localIP:    local,
		remoteIP:   remote,
		remotePort: remotePort,
		packets:    make(chan []byte, 64),
		closed:     make(chan struct{}),
		log:        logger.Named("socket"),
	}
	go s.readLoop()
	return s, nil
}

func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPSocket) RemoteAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: s.remoteIP, Port: s.remotePort}
}

// Packets 入站 IKE 报文通道 (已剥掉 non-ESP 标记)
func (s *UDPSocket) Packets() <-chan []byte {
	return s.packets
}

func (s *UDPSocket) Send(b []byte) error {
	out := b
	if s.encap.Load() {
		out = append(append([]byte(nil), nonESPMarker...), b...)
	}
	_, err := s.conn.WriteToUDP(out, s.RemoteAddr())
	return err
}

// SwitchToEncapPort NAT 检测命中后切到 4500 并开启内核解封装
func (s *UDPSocket) SwitchToEncapPort() error {
	if s.encap.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.remotePort = PortNATT
	s.mu.Unlock()

	raw, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	var soErr error
	err = raw.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, sockoptUDPEncap, sockoptUDPEncapESPinUDP)
	})
	if err != nil {
		return err
	}
	if soErr != nil {
		s.log.Warn("设置 UDP_ENCAP 失败 (继续，内核可能不解封装)", logger.Err(soErr))
	}
	s.log.Info("已切换到 NAT-T 端口", logger.Int("port", PortNATT))
	return nil
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debug("读取 UDP 失败", logger.Err(err))
			}
			return
		}
		data := buf[:n]

		if s.encap.Load() {
			if n < 4 {
				continue
			}
			if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 0 {
				data = data[4:]
			} else {
				// ESP 报文由内核解封装，用户态直接丢弃
				atomic.AddUint64(&s.droppedESP, 1)
				continue
			}
		}

		atomic.AddUint64(&s.receivedIKE, 1)
		pkt := append([]byte(nil), data...)
		select {
		case s.packets <- pkt:
		case <-s.closed:
			return
		default:
			s.log.Warn("入站队列已满，丢弃 IKE 报文")
		}
	}
}

func (s *UDPSocket) Close() error {
	var err error = errors.New("already closed")
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
