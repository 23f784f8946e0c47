// Package security implements the SecurityDetector: pure policy functions
// evaluated against archive entries during traversal, per spec §4.4. None
// of these functions perform I/O — they take already-observed metrics and
// return a Violation (or nil), letting the caller (the ExtractionEngine)
// decide whether a violation is a per-entry warning or archive-fatal.
package security

import (
	"math"
)

// ViolationKind enumerates the policy checks in spec §4.4's table.
type ViolationKind int

const (
	ViolationNone ViolationKind = iota
	ViolationExcessiveCompressionRatio
	ViolationExcessiveArchiveRatio
	ViolationEntryCountExceeded
	ViolationFileTooLarge
	ViolationCumulativeSizeExceeded
	ViolationRiskScoreExceeded
	ViolationPathTraversal
	ViolationSymlink
	ViolationDepthExceeded
	ViolationNameCollision
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationExcessiveCompressionRatio:
		return "ExcessiveCompressionRatio"
	case ViolationExcessiveArchiveRatio:
		return "ExcessiveArchiveRatio"
	case ViolationEntryCountExceeded:
		return "EntryCountExceeded"
	case ViolationFileTooLarge:
		return "FileTooLarge"
	case ViolationCumulativeSizeExceeded:
		return "CumulativeSizeExceeded"
	case ViolationRiskScoreExceeded:
		return "RiskScoreExceeded"
	case ViolationPathTraversal:
		return "PathTraversal"
	case ViolationSymlink:
		return "Symlink"
	case ViolationDepthExceeded:
		return "DepthExceeded"
	case ViolationNameCollision:
		return "NameCollision"
	default:
		return "None"
	}
}

// Violation carries enough structured detail to reproduce the decision, per
// spec §4.4 ("Every violation produces a structured SecurityEvent").
type Violation struct {
	Kind    ViolationKind
	Metrics map[string]any
	// ArchiveFatal reports whether this violation halts the whole archive
	// (per spec §4.4's "Effect when violated" column) rather than just the
	// one entry.
	ArchiveFatal bool
}

// Policy bundles the configurable thresholds from spec §6.
type Policy struct {
	MaxDepth          int     `json:"max_depth" mapstructure:"max_depth"`
	MaxFileSize       int64   `json:"max_file_size" mapstructure:"max_file_size"`
	MaxTotalSize      int64   `json:"max_total_size" mapstructure:"max_total_size"`
	MaxFileCount      int     `json:"max_file_count" mapstructure:"max_file_count"`
	RatioLimit        float64 `json:"ratio_limit" mapstructure:"ratio_limit"`
	ArchiveRatioLimit float64 `json:"archive_ratio_limit" mapstructure:"archive_ratio_limit"`
	RiskLimit         float64 `json:"risk_limit" mapstructure:"risk_limit"`
	EntryLimit        int     `json:"entry_limit" mapstructure:"entry_limit"`
	RejectSymlinks    bool    `json:"reject_symlinks" mapstructure:"reject_symlinks"`
	RejectEncrypted   bool    `json:"reject_encrypted" mapstructure:"reject_encrypted"`
}

// DefaultPolicy returns the spec §6 default values.
func DefaultPolicy() Policy {
	return Policy{
		MaxDepth:          10,
		MaxFileSize:       1 << 30,  // 1 GiB
		MaxTotalSize:      10 << 30, // 10 GiB
		MaxFileCount:      1_000_000,
		RatioLimit:        100,
		ArchiveRatioLimit: 200,
		RiskLimit:         1e6,
		EntryLimit:        10_000,
		RejectSymlinks:    true,
		RejectEncrypted:   true,
	}
}

// CompressionRatio computes uncompressed/max(compressed,1), per spec §4.4:
// returns 0.0 when both sizes are zero, and ratioLimit+1 (a guaranteed
// violation) when compressed is zero but uncompressed is positive.
func CompressionRatio(uncompressed, compressed int64, ratioLimit float64) float64 {
	if uncompressed == 0 && compressed == 0 {
		return 0.0
	}
	if compressed <= 0 {
		return ratioLimit + 1
	}
	return float64(uncompressed) / float64(compressed)
}

// RiskScore computes ratio^depth with saturating behavior: overflow or NaN
// is reported as +Inf, which always exceeds any finite risk_limit, per spec
// §4.4 ("overflow ⇒ violation").
func RiskScore(ratio float64, depth int) float64 {
	if depth <= 0 {
		return ratio
	}
	score := math.Pow(ratio, float64(depth))
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return math.Inf(1)
	}
	return score
}

// CheckEntryRatio applies the per-entry compression-ratio check.
func (p Policy) CheckEntryRatio(uncompressed, compressed int64) *Violation {
	ratio := CompressionRatio(uncompressed, compressed, p.RatioLimit)
	if ratio > p.RatioLimit {
		return &Violation{
			Kind:    ViolationExcessiveCompressionRatio,
			Metrics: map[string]any{"ratio": ratio, "limit": p.RatioLimit},
		}
	}
	return nil
}

// CheckArchiveRatio applies the overall-archive compression-ratio check.
// archive-fatal per spec §4.4.
func (p Policy) CheckArchiveRatio(totalUncompressed, totalCompressed int64) *Violation {
	ratio := CompressionRatio(totalUncompressed, totalCompressed, p.ArchiveRatioLimit)
	if ratio > p.ArchiveRatioLimit {
		return &Violation{
			Kind:         ViolationExcessiveArchiveRatio,
			Metrics:      map[string]any{"ratio": ratio, "limit": p.ArchiveRatioLimit},
			ArchiveFatal: true,
		}
	}
	return nil
}

// CheckEntryCount applies the per-archive entry-count check.
func (p Policy) CheckEntryCount(count int) *Violation {
	if p.EntryLimit > 0 && count > p.EntryLimit {
		return &Violation{
			Kind:    ViolationEntryCountExceeded,
			Metrics: map[string]any{"count": count, "limit": p.EntryLimit},
		}
	}
	return nil
}

// CheckFileSize applies the per-file size check.
func (p Policy) CheckFileSize(size int64) *Violation {
	if p.MaxFileSize > 0 && size > p.MaxFileSize {
		return &Violation{
			Kind:    ViolationFileTooLarge,
			Metrics: map[string]any{"size": size, "limit": p.MaxFileSize},
		}
	}
	return nil
}

// CheckCumulativeSize applies the running-total extracted-size check.
// archive-fatal per spec §4.4.
func (p Policy) CheckCumulativeSize(runningTotal int64) *Violation {
	if p.MaxTotalSize > 0 && runningTotal > p.MaxTotalSize {
		return &Violation{
			Kind:         ViolationCumulativeSizeExceeded,
			Metrics:      map[string]any{"total": runningTotal, "limit": p.MaxTotalSize},
			ArchiveFatal: true,
		}
	}
	return nil
}

// CheckRiskScore applies the nested-risk-score check. archive-fatal per
// spec §4.4.
func (p Policy) CheckRiskScore(ratio float64, depth int) *Violation {
	score := RiskScore(ratio, depth)
	if p.RiskLimit > 0 && score > p.RiskLimit {
		return &Violation{
			Kind:         ViolationRiskScoreExceeded,
			Metrics:      map[string]any{"score": score, "limit": p.RiskLimit, "depth": depth},
			ArchiveFatal: true,
		}
	}
	return nil
}

// CheckDepth applies the nesting-depth check. Non-fatal to the archive
// (the engine simply does not descend) per spec §4.6 step 1.
func (p Policy) CheckDepth(currentDepth int) *Violation {
	if p.MaxDepth > 0 && currentDepth >= p.MaxDepth {
		return &Violation{
			Kind:    ViolationDepthExceeded,
			Metrics: map[string]any{"depth": currentDepth, "max_depth": p.MaxDepth},
		}
	}
	return nil
}

// CheckSymlink applies the symlink-rejection policy.
func (p Policy) CheckSymlink(isSymlink bool) *Violation {
	if isSymlink && p.RejectSymlinks {
		return &Violation{Kind: ViolationSymlink}
	}
	return nil
}
