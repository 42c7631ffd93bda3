package webrtc

import (
	"strings"

	"peerlink/internal/core/domain"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// ClassifyCandidate returns the type of an SDP candidate line, with or
// without the "candidate:" prefix.
func ClassifyCandidate(line string) domain.CandidateType {
	raw := strings.TrimPrefix(strings.TrimSpace(line), "candidate:")
	if raw == "" {
		return domain.CandidateUnknown
	}

	if c, err := ice.UnmarshalCandidate(raw); err == nil {
		return fromICEType(c.Type())
	}

	// The parser rejects candidates it cannot resolve, such as mDNS hosts.
	// The typ attribute is still enough for accounting.
	fields := strings.Fields(raw)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "typ" {
			return candidateTypeFromString(fields[i+1])
		}
	}
	return domain.CandidateUnknown
}

// ClassifyLocal classifies a gathered local candidate.
func ClassifyLocal(c *webrtc.ICECandidate) domain.CandidateType {
	if c == nil {
		return domain.CandidateUnknown
	}
	switch c.Typ {
	case webrtc.ICECandidateTypeHost:
		return domain.CandidateHost
	case webrtc.ICECandidateTypeSrflx:
		return domain.CandidateServerReflexive
	case webrtc.ICECandidateTypePrflx:
		return domain.CandidatePeerReflexive
	case webrtc.ICECandidateTypeRelay:
		return domain.CandidateRelay
	default:
		return domain.CandidateUnknown
	}
}

func fromICEType(t ice.CandidateType) domain.CandidateType {
	switch t {
	case ice.CandidateTypeHost:
		return domain.CandidateHost
	case ice.CandidateTypeServerReflexive:
		return domain.CandidateServerReflexive
	case ice.CandidateTypePeerReflexive:
		return domain.CandidatePeerReflexive
	case ice.CandidateTypeRelay:
		return domain.CandidateRelay
	default:
		return domain.CandidateUnknown
	}
}

func candidateTypeFromString(s string) domain.CandidateType {
	switch domain.CandidateType(s) {
	case domain.CandidateHost, domain.CandidateServerReflexive, domain.CandidatePeerReflexive, domain.CandidateRelay:
		return domain.CandidateType(s)
	default:
		return domain.CandidateUnknown
	}
}

func toICECandidateInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICECandidateInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
