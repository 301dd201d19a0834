package sim

import "errors"

// AppType SIM 应用类型，决定身份与鉴权走 GSM 还是 UMTS 路径
type AppType int

const (
	AppTypeSIM  AppType = iota // EAP-SIM (GSM)
	AppTypeUSIM                // EAP-AKA / EAP-AKA' (UMTS)
)

// AkaResult UMTS AKA 鉴权结果
// 同步失败时只有 AUTS 非空
type AkaResult struct {
	RES  []byte
	CK   []byte
	IK   []byte
	AUTS []byte
}

// AuthProvider 定义了获取 SIM 身份和执行鉴权运算的接口
// 实现可以是物理卡、远端 HSS 模拟器或软件 SIM
type AuthProvider interface {
	// Identity 返回 NAI 形式的身份 (如 0<IMSI>@nai.epc...)
	Identity(app AppType) (string, error)

	// AuthenticateAka 执行 UMTS AKA 鉴权
	// rand/autn 各 16 字节；SQN 不同步时返回 ErrSyncFailure 且结果带 AUTS
	AuthenticateAka(rand, autn []byte) (*AkaResult, error)

	// AuthenticateGsm 执行 GSM 鉴权 (EAP-SIM)
	// 返回 SRES (4 字节) 和 Kc (8 字节)
	AuthenticateGsm(rand []byte) (sres, kc []byte, err error)

	// 关闭资源
	Close() error
}

var (
	ErrSIMNotPresent = errors.New("SIM card not present")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrSyncFailure   = errors.New("synchronization failure")
)
