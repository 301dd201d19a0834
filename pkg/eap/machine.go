package eap

import (
	"errors"
	"fmt"

	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sim"
	"go.uber.org/zap"
)

// State EAP 认证状态机的状态
type State int

const (
	StateCreated State = iota
	StateIdentity
	StateMethod
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateIdentity:
		return "Identity"
	case StateMethod:
		return "Method"
	case StateSuccess:
		return "Success"
	case StateFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

var (
	// ErrInvalidRequest 输入不是合法的对端请求
	ErrInvalidRequest = errors.New("eap: invalid request")
)

// Result 状态机对一条输入的产出，四选一:
// 响应包 / success(MSK,EMSK) / failure / error (通过 error 返回值)
type Result struct {
	Response []byte // 要回给对端的 EAP 包，nil 表示无需响应
	Success  bool
	Failure  bool
	MSK      []byte
	EMSK     []byte
}

// Config EAP 会话配置
type Config struct {
	// MethodType 本端配置的方法: TypeSIM / TypeAKA / TypeAKAPrime
	MethodType uint8
	// Identity NAI 身份字节串
	Identity []byte
	// Provider SIM 鉴权提供者
	Provider sim.AuthProvider
}

func (c *Config) validate() error {
	switch c.MethodType {
	case TypeSIM, TypeAKA, TypeAKAPrime:
	default:
		return fmt.Errorf("不支持的 EAP 方法类型: %d", c.MethodType)
	}
	if c.Provider == nil {
		return errors.New("缺少 SIM 鉴权提供者")
	}
	return nil
}

// methodState 方法内部子状态
type methodState interface {
	typeCode() uint8
	// process 处理一条方法级请求，返回响应包
	process(pkt *Packet) ([]byte, error)
	// keys 方法交换产出的密钥材料
	keys() (msk, emsk []byte, ok bool)
}

// Machine EAP 认证状态机 (IKE_AUTH 内层)
// Created → Identity → Method → Success/Failure
type Machine struct {
	cfg    *Config
	state  State
	method methodState
	log    *zap.Logger
}

func NewMachine(cfg *Config, log *zap.Logger) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Named("eap")
	}
	return &Machine{cfg: cfg, state: StateCreated, log: log}, nil
}

func (m *Machine) State() State {
	return m.state
}

// Process 消费一条原始 EAP 包，推进状态机
func (m *Machine) Process(raw []byte) (*Result, error) {
	pkt, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch pkt.Code {
	case CodeSuccess:
		return m.processSuccess()
	case CodeFailure:
		return m.processFailure()
	case CodeRequest:
		return m.processRequest(pkt, raw)
	default:
		// Response/未知代码都不是对端该发给我们的
		return nil, fmt.Errorf("%w: unexpected EAP code %d", ErrInvalidRequest, pkt.Code)
	}
}

func (m *Machine) processSuccess() (*Result, error) {
	if m.state != StateMethod || m.method == nil {
		return nil, fmt.Errorf("%w: EAP-Success 在方法交换之外", ErrInvalidRequest)
	}
	msk, emsk, ok := m.method.keys()
	if !ok {
		// 方法尚未产出密钥材料时的 Success 是协议错误
		return nil, fmt.Errorf("%w: EAP-Success 但方法未产出密钥", ErrInvalidRequest)
	}
	m.state = StateSuccess
	m.log.Info("EAP 认证成功", logger.Int("mskLen", len(msk)))
	return &Result{Success: true, MSK: msk, EMSK: emsk}, nil
}

func (m *Machine) processFailure() (*Result, error) {
	m.state = StateFailure
	m.log.Warn("收到 EAP Failure")
	return &Result{Failure: true}, nil
}

func (m *Machine) processRequest(pkt *Packet, raw []byte) (*Result, error) {
	// Notification 请求在任何状态都回显且不迁移状态
	if pkt.Type == TypeNotification {
		resp := &Packet{
			Code:       CodeResponse,
			Identifier: pkt.Identifier,
			Type:       TypeNotification,
		}
		return &Result{Response: resp.Encode()}, nil
	}

	switch m.state {
	case StateCreated:
		switch {
		case pkt.Type == TypeIdentity:
			m.state = StateIdentity
			return m.respondIdentity(pkt), nil
		case typeHasSubtype(pkt.Type):
			// 对端直接开方法，跳过 Identity
			return m.enterMethod(pkt, raw)
		case pkt.Type > TypeNak:
			// 不认识的方法: NAK 列出唯一期望类型
			return m.respondNak(pkt.Identifier), nil
		default:
			return nil, fmt.Errorf("%w: Created 状态收到类型 %d", ErrInvalidRequest, pkt.Type)
		}

	case StateIdentity:
		if pkt.Type == m.cfg.MethodType {
			return m.enterMethod(pkt, raw)
		}
		if typeHasSubtype(pkt.Type) || pkt.Type > TypeNak {
			// 对端选了我们不支持的方法: 回 legacy NAK 列出唯一期望类型
			return m.respondNak(pkt.Identifier), nil
		}
		return nil, fmt.Errorf("%w: Identity 状态收到类型 %d", ErrInvalidRequest, pkt.Type)

	case StateMethod:
		if pkt.Type != m.method.typeCode() {
			// 方法至多一个；对端换方法只回 NAK，不迁移状态
			m.log.Warn("对端在方法中途更换 EAP 类型",
				logger.Uint8("got", pkt.Type),
				logger.Uint8("active", m.method.typeCode()))
			return m.respondNak(pkt.Identifier), nil
		}
		resp, err := m.method.process(pkt)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil

	default:
		return nil, fmt.Errorf("%w: 状态 %s 不再接受请求", ErrInvalidRequest, m.state)
	}
}

func (m *Machine) enterMethod(pkt *Packet, raw []byte) (*Result, error) {
	if pkt.Type != m.cfg.MethodType {
		return m.respondNak(pkt.Identifier), nil
	}

	var ms methodState
	switch pkt.Type {
	case TypeAKA:
		ms = newAkaMethod(m.cfg, false, m.log)
	case TypeAKAPrime:
		ms = newAkaMethod(m.cfg, true, m.log)
	case TypeSIM:
		ms = newSimMethod(m.cfg, m.log)
	default:
		return m.respondNak(pkt.Identifier), nil
	}

	m.method = ms
	m.state = StateMethod
	m.log.Debug("进入 EAP 方法交换", logger.Uint8("method", pkt.Type))

	resp, err := ms.process(pkt)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

func (m *Machine) respondIdentity(pkt *Packet) *Result {
	resp := &Packet{
		Code:       CodeResponse,
		Identifier: pkt.Identifier,
		Type:       TypeIdentity,
		Data:       append([]byte(nil), m.cfg.Identity...),
	}
	return &Result{Response: resp.Encode()}
}

// respondNak legacy NAK (RFC 3748 5.3.1) 列出唯一配置的期望类型
func (m *Machine) respondNak(identifier uint8) *Result {
	resp := &Packet{
		Code:       CodeResponse,
		Identifier: identifier,
		Type:       TypeNak,
		Data:       []byte{m.cfg.MethodType},
	}
	return &Result{Response: resp.Encode()}
}
