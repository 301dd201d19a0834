package ikev2

import (
	"crypto/sha1"
	"encoding/binary"
)

// NATDetectionHash 计算 NAT 检测哈希值
// RFC 7296 2.23: SHA-1(SPIi | SPIr | IP | Port)
func NATDetectionHash(spiI, spiR uint64, ip []byte, port uint16) []byte {
	h := sha1.New()

	spiBytes := make([]byte, 16)
	binary.BigEndian.PutUint64(spiBytes[0:8], spiI)
	binary.BigEndian.PutUint64(spiBytes[8:16], spiR)
	h.Write(spiBytes)

	h.Write(ip)

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	h.Write(portBytes)

	return h.Sum(nil)
}

// NewNATDetectionNotify 创建 NAT 检测通知载荷
func NewNATDetectionNotify(notifyType uint16, hash []byte) *PayloadNotify {
	return &PayloadNotify{
		ProtocolID: ProtoIKE,
		NotifyType: notifyType,
		NotifyData: hash,
	}
}
