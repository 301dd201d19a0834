package ikev2

import (
	"bytes"
	"fmt"
)

// MatchedAlgorithms 协商结果
type MatchedAlgorithms struct {
	ProposalNum uint8
	ProtocolID  ProtocolID
	SPI         []byte
	Encr        AlgorithmType
	EncrKeyLen  uint16
	Integ       AlgorithmType
	PRF         AlgorithmType
	DH          AlgorithmType
	ESN         bool
}

// IsAEAD AEAD 加密不需要独立完整性变换
func IsAEAD(encr AlgorithmType) bool {
	switch encr {
	case ENCR_AES_GCM_8, ENCR_AES_GCM_12, ENCR_AES_GCM_16:
		return true
	default:
		return false
	}
}

// ValidateProposalResponse 校验对端响应的 SA 载荷
// 要求恰好一个 Proposal，且该 Proposal 的每个变换都出现在本端提供的
// 某个 Proposal 中 (响应只能从提供集中选择，不能发明新算法)
func ValidateProposalResponse(offered []*Proposal, resp *PayloadSA) (*MatchedAlgorithms, error) {
	if len(resp.Proposals) != 1 {
		return nil, fmt.Errorf("响应必须恰好包含一个 Proposal, 实际 %d 个", len(resp.Proposals))
	}
	chosen := resp.Proposals[0]

	var source *Proposal
	for _, off := range offered {
		if off.ProtocolID != chosen.ProtocolID {
			continue
		}
		if proposalCovers(off, chosen) {
			source = off
			break
		}
	}
	if source == nil {
		return nil, fmt.Errorf("响应 Proposal 不在提供集中")
	}

	return extractAlgorithms(chosen), nil
}

// proposalCovers 判断 chosen 的每个变换都能在 offered 中找到
func proposalCovers(offered, chosen *Proposal) bool {
	for _, ct := range chosen.Transforms {
		found := false
		for _, ot := range offered.Transforms {
			if ot.Type == ct.Type && ot.ID == ct.ID && ot.KeyLenBits() == ct.KeyLenBits() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExtractAlgorithms 读出 Proposal 的算法集
func ExtractAlgorithms(prop *Proposal) *MatchedAlgorithms {
	return extractAlgorithms(prop)
}

func extractAlgorithms(prop *Proposal) *MatchedAlgorithms {
	m := &MatchedAlgorithms{
		ProposalNum: prop.ProposalNum,
		ProtocolID:  prop.ProtocolID,
		SPI:         prop.SPI,
	}
	for _, t := range prop.Transforms {
		switch t.Type {
		case TransformTypeEncr:
			m.Encr = t.ID
			m.EncrKeyLen = uint16(t.KeyLenBits())
		case TransformTypeInteg:
			m.Integ = t.ID
		case TransformTypePRF:
			m.PRF = t.ID
		case TransformTypeDH:
			m.DH = t.ID
		case TransformTypeESN:
			m.ESN = t.ID == 1
		}
	}
	return m
}

// SelectProposal 从对端请求的多 Proposal 中选择本端能接受的第一个
// (远端发起的 Rekey/Create 场景)
func SelectProposal(acceptable []*Proposal, req *PayloadSA) (*Proposal, *MatchedAlgorithms) {
	for _, prop := range req.Proposals {
		for _, acc := range acceptable {
			if prop.ProtocolID != acc.ProtocolID {
				continue
			}
			if proposalCovers(prop, acc) && proposalCovers(acc, prop) {
				return prop, extractAlgorithms(prop)
			}
			// 请求是超集时选出本端的交集
			if proposalCovers(prop, acc) {
				chosen := &Proposal{
					ProposalNum: prop.ProposalNum,
					ProtocolID:  prop.ProtocolID,
					SPI:         prop.SPI,
					Transforms:  acc.Transforms,
				}
				return chosen, extractAlgorithms(chosen)
			}
		}
	}
	return nil, nil
}

// CloneProposalWithSPI 拷贝 Proposal 并替换 SPI (Rekey 重用上次协商结果)
func CloneProposalWithSPI(p *Proposal, spi []byte) *Proposal {
	out := &Proposal{
		ProposalNum: 1,
		ProtocolID:  p.ProtocolID,
		SPI:         append([]byte(nil), spi...),
	}
	for _, t := range p.Transforms {
		nt := &Transform{Type: t.Type, ID: t.ID}
		for _, a := range t.Attributes {
			nt.Attributes = append(nt.Attributes, &TransformAttribute{
				Type: a.Type, Val: a.Val,
				Value: append([]byte(nil), a.Value...),
			})
		}
		out.Transforms = append(out.Transforms, nt)
	}
	return out
}

// ProposalEqual 忽略 SPI 与编号比较两个 Proposal 的变换集
func ProposalEqual(a, b *Proposal) bool {
	return a.ProtocolID == b.ProtocolID && proposalCovers(a, b) && proposalCovers(b, a)
}

// SpiBytesEqual SPI 字节串比较
func SpiBytesEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
