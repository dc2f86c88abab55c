package services

import (
	"net"
	"strings"
	"unicode"

	"accountguard/config"
	"accountguard/model"
)

type TrustTier string

const (
	TierHigh   TrustTier = "high"
	TierMedium TrustTier = "medium"
	TierLow    TrustTier = "low"
)

const (
	weightDeviceName = 25
	weightBrowser    = 20
	weightOS         = 20
	weightIPExact    = 35
	weightIPSubnet   = 20
	maxScore         = 100
)

// TrustScorer compares an observed device against the caller's trusted
// devices. It has no side effects.
type TrustScorer struct {
	thresholds config.TrustConfig
}

func NewTrustScorer(thresholds config.TrustConfig) *TrustScorer {
	return &TrustScorer{thresholds: thresholds}
}

// Score returns the best match of current against trusted, in [0,100].
func (ts *TrustScorer) Score(current model.Device, trusted []model.Device) int {
	best := 0
	for _, t := range trusted {
		if s := scorePair(current, t); s > best {
			best = s
		}
	}
	if best > maxScore {
		best = maxScore
	}
	return best
}

func (ts *TrustScorer) Tier(score int) TrustTier {
	switch {
	case score >= ts.thresholds.HighThreshold:
		return TierHigh
	case score >= ts.thresholds.MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// DecideTrust maps a tier and the primary auth method onto the new session's
// flags. Unknown auth methods are treated like password.
func DecideTrust(tier TrustTier, method model.AuthMethod) (isTrusted, needsVerification bool) {
	switch tier {
	case TierHigh:
		return true, false
	case TierMedium:
		if method == model.AuthMethodOAuth {
			return true, false
		}
		return false, true
	default:
		return false, true
	}
}

func scorePair(a, b model.Device) int {
	score := attributeScore(a.DeviceName, b.DeviceName, weightDeviceName)
	score += attributeScore(a.Browser, b.Browser, weightBrowser)
	score += attributeScore(a.OS, b.OS, weightOS)
	score += ipScore(a.IPAddress, b.IPAddress)
	return score
}

func attributeScore(a, b string, weight int) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return weight
	}
	if fa, fb := family(a), family(b); fa != "" && fa == fb {
		return weight / 2
	}
	return 0
}

// family lowercases and drops version-like tokens: "Chrome 120.0" and
// "chrome" share a family.
func family(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || r == '/' || r == '_'
	})
	kept := fields[:0]
	for _, f := range fields {
		if isVersionToken(f) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func isVersionToken(tok string) bool {
	tok = strings.TrimPrefix(tok, "v")
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}

func ipScore(a, b string) int {
	ipA, ipB := net.ParseIP(strings.TrimSpace(a)), net.ParseIP(strings.TrimSpace(b))
	if ipA == nil || ipB == nil {
		return 0
	}
	if ipA.Equal(ipB) {
		return weightIPExact
	}
	if v4a, v4b := ipA.To4(), ipB.To4(); v4a != nil && v4b != nil {
		mask := net.CIDRMask(24, 32)
		if v4a.Mask(mask).Equal(v4b.Mask(mask)) {
			return weightIPSubnet
		}
		return 0
	}
	if ipA.To4() == nil && ipB.To4() == nil {
		mask := net.CIDRMask(64, 128)
		if ipA.Mask(mask).Equal(ipB.Mask(mask)) {
			return weightIPSubnet
		}
	}
	return 0
}
