package ike

import (
	"errors"
	"fmt"

	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// ErrorKind 协议错误分类
type ErrorKind int

const (
	ErrInternalError ErrorKind = iota
	ErrInvalidSyntax
	ErrUnsupportedCriticalPayload
	ErrNoProposalChosen
	ErrInvalidKe
	ErrAuthenticationFailed
	ErrTsUnacceptable
	ErrTemporaryFailure
	ErrChildSaNotFound
	ErrInvalidMessageId
	ErrIntegrityCheckFailed
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidSyntax:
		return "InvalidSyntax"
	case ErrUnsupportedCriticalPayload:
		return "UnsupportedCriticalPayload"
	case ErrNoProposalChosen:
		return "NoProposalChosen"
	case ErrInvalidKe:
		return "InvalidKe"
	case ErrAuthenticationFailed:
		return "AuthenticationFailed"
	case ErrTsUnacceptable:
		return "TsUnacceptable"
	case ErrTemporaryFailure:
		return "TemporaryFailure"
	case ErrChildSaNotFound:
		return "ChildSaNotFound"
	case ErrInvalidMessageId:
		return "InvalidMessageId"
	case ErrIntegrityCheckFailed:
		return "IntegrityCheckFailed"
	case ErrTimeout:
		return "Timeout"
	default:
		return "InternalError"
	}
}

// ProtocolError 携带分类与对应通知类型的协议错误
type ProtocolError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func protoErr(kind ErrorKind, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotifyType 错误对应的通知编号，无对应时返回 0
func (e *ProtocolError) NotifyType() uint16 {
	switch e.Kind {
	case ErrInvalidSyntax:
		return ikev2.INVALID_SYNTAX
	case ErrUnsupportedCriticalPayload:
		return ikev2.UNSUPPORTED_CRITICAL_PAYLOAD
	case ErrNoProposalChosen:
		return ikev2.NO_PROPOSAL_CHOSEN
	case ErrInvalidKe:
		return ikev2.INVALID_KE_PAYLOAD
	case ErrAuthenticationFailed:
		return ikev2.AUTHENTICATION_FAILED
	case ErrTsUnacceptable:
		return ikev2.TS_UNACCEPTABLE
	case ErrTemporaryFailure:
		return ikev2.TEMPORARY_FAILURE
	case ErrChildSaNotFound:
		return ikev2.CHILD_SA_NOT_FOUND
	case ErrInvalidMessageId:
		return ikev2.INVALID_MESSAGE_ID
	default:
		return 0
	}
}

// IsFatal 致命错误触发 IKE SA 关闭
func (e *ProtocolError) IsFatal() bool {
	switch e.Kind {
	case ErrAuthenticationFailed, ErrInvalidSyntax, ErrUnsupportedCriticalPayload,
		ErrIntegrityCheckFailed, ErrTimeout:
		return true
	default:
		return false
	}
}

// kindFromNotify 对端错误通知 → 本端错误分类
func kindFromNotify(notifyType uint16) ErrorKind {
	switch notifyType {
	case ikev2.INVALID_SYNTAX:
		return ErrInvalidSyntax
	case ikev2.UNSUPPORTED_CRITICAL_PAYLOAD:
		return ErrUnsupportedCriticalPayload
	case ikev2.NO_PROPOSAL_CHOSEN:
		return ErrNoProposalChosen
	case ikev2.INVALID_KE_PAYLOAD:
		return ErrInvalidKe
	case ikev2.AUTHENTICATION_FAILED:
		return ErrAuthenticationFailed
	case ikev2.TS_UNACCEPTABLE:
		return ErrTsUnacceptable
	case ikev2.TEMPORARY_FAILURE:
		return ErrTemporaryFailure
	case ikev2.CHILD_SA_NOT_FOUND:
		return ErrChildSaNotFound
	case ikev2.INVALID_MESSAGE_ID:
		return ErrInvalidMessageId
	default:
		return ErrInternalError
	}
}

// classifyCodecError 编解码错误 → 协议错误
func classifyCodecError(err error) *ProtocolError {
	switch {
	case errors.Is(err, ikev2.ErrIntegrityCheckFailed):
		return protoErr(ErrIntegrityCheckFailed, "%v", err)
	case errors.Is(err, ikev2.ErrUnsupportedCriticalPayload):
		return protoErr(ErrUnsupportedCriticalPayload, "%v", err)
	case errors.Is(err, ikev2.ErrInvalidSyntax):
		return protoErr(ErrInvalidSyntax, "%v", err)
	default:
		return protoErr(ErrInvalidSyntax, "%v", err)
	}
}
