package sim

import (
	"errors"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// SoftSIM 软件 SIM 实现 (使用 Milenage 算法)
// 不需要物理 SIM 卡，用于测试或特殊场景
type SoftSIM struct {
	IMSI     string
	NAI      string // 可选: 显式 NAI，空则直接用 IMSI
	milenage *crypto.Milenage
	SQN      uint64 // 当前序列号
}

// NewSoftSIM 创建软件 SIM
// k: 128 位用户密钥 (Ki)
// op: 128 位运营商密钥 (OP 或 OPc)
// useOPc: 如果为 true，使用 OPc；否则使用 OP
func NewSoftSIM(imsi string, k, op []byte, useOPc bool) (*SoftSIM, error) {
	m, err := crypto.NewMilenage(k, op, useOPc)
	if err != nil {
		return nil, err
	}

	return &SoftSIM{
		IMSI:     imsi,
		milenage: m,
	}, nil
}

func (s *SoftSIM) Identity(app AppType) (string, error) {
	if s.NAI != "" {
		return s.NAI, nil
	}
	return s.IMSI, nil
}

// AuthenticateAka 执行 AKA 认证
func (s *SoftSIM) AuthenticateAka(rand, autn []byte) (*AkaResult, error) {
	if len(rand) != 16 || len(autn) != 16 {
		return nil, errors.New("RAND/AUTN 必须是 16 字节")
	}

	res, ck, ik, auts, err := s.milenage.VerifyAUTN(rand, autn, s.SQN)
	if err != nil {
		if auts != nil {
			return &AkaResult{AUTS: auts}, ErrSyncFailure
		}
		return nil, err
	}

	// 从 AUTN 中恢复 SQN 并推进本地序列号
	_, ak, _ := s.milenage.F2F5(rand)
	sqn := make([]byte, 6)
	for i := 0; i < 6; i++ {
		sqn[i] = autn[i] ^ ak[i]
	}
	s.SQN = decodeSQN(sqn) + 1

	return &AkaResult{RES: res, CK: ck, IK: ik}, nil
}

// AuthenticateGsm GSM 鉴权走 Milenage 的 GSM 转换函数 (TS 55.205):
// SRES = RES[0:4] ⊕ RES[4:8], Kc = CK[0:8] ⊕ CK[8:16] ⊕ IK[0:8] ⊕ IK[8:16]
func (s *SoftSIM) AuthenticateGsm(rand []byte) ([]byte, []byte, error) {
	if len(rand) != 16 {
		return nil, nil, errors.New("RAND 必须是 16 字节")
	}

	res, _, err := s.milenage.F2F5(rand)
	if err != nil {
		return nil, nil, err
	}
	ck, err := s.milenage.F3(rand)
	if err != nil {
		return nil, nil, err
	}
	ik, err := s.milenage.F4(rand)
	if err != nil {
		return nil, nil, err
	}

	sres := make([]byte, 4)
	for i := 0; i < 4; i++ {
		sres[i] = res[i] ^ res[i+4]
	}
	kc := make([]byte, 8)
	for i := 0; i < 8; i++ {
		kc[i] = ck[i] ^ ck[i+8] ^ ik[i] ^ ik[i+8]
	}
	return sres, kc, nil
}

func (s *SoftSIM) Close() error {
	return nil
}

// SetSQN 设置初始 SQN
func (s *SoftSIM) SetSQN(sqn uint64) {
	s.SQN = sqn
}

func decodeSQN(data []byte) uint64 {
	if len(data) < 6 {
		return 0
	}
	return uint64(data[0])<<40 | uint64(data[1])<<32 |
		uint64(data[2])<<24 | uint64(data[3])<<16 |
		uint64(data[4])<<8 | uint64(data[5])
}
