package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Dimension is one of the fixed dimensions a scope may filter on.
type Dimension string

const (
	DimRegion      Dimension = "region"
	DimBU          Dimension = "bu"
	DimProductLine Dimension = "product_line"
	DimSegment     Dimension = "segment"
	DimMetric      Dimension = "metric"
)

// Dimensions returns the fixed dimension set in canonical order.
func Dimensions() []Dimension {
	return []Dimension{DimRegion, DimBU, DimProductLine, DimSegment, DimMetric}
}

// Comparison selects the baseline(s) for variance computation.
type Comparison string

const (
	ComparisonPlan  Comparison = "plan"
	ComparisonPrior Comparison = "prior"
	ComparisonBoth  Comparison = "both"
)

// Request is a scope-selection request as submitted by a caller. It is stored
// verbatim on the Run for audit.
type Request struct {
	Period      string     `json:"period"`
	Region      string     `json:"region,omitempty"`
	BU          string     `json:"bu,omitempty"`
	ProductLine string     `json:"product_line,omitempty"`
	Segment     string     `json:"segment,omitempty"`
	Metric      string     `json:"metric,omitempty"`
	Comparison  Comparison `json:"comparison,omitempty"`
	FullSweep   bool       `json:"full_sweep,omitempty"`
}

// Normalized returns a copy with whitespace trimmed and the default
// comparison applied.
func (r Request) Normalized() Request {
	r.Period = strings.TrimSpace(r.Period)
	r.Region = strings.TrimSpace(r.Region)
	r.BU = strings.TrimSpace(r.BU)
	r.ProductLine = strings.TrimSpace(r.ProductLine)
	r.Segment = strings.TrimSpace(r.Segment)
	r.Metric = strings.TrimSpace(r.Metric)
	if r.Comparison == "" {
		r.Comparison = ComparisonBoth
	}
	return r
}

// Validate checks that the request can be executed.
func (r Request) Validate() error {
	if _, err := time.Parse("2006-01", r.Period); err != nil {
		return fmt.Errorf("period must be YYYY-MM, got %q", r.Period)
	}
	switch r.Comparison {
	case "", ComparisonPlan, ComparisonPrior, ComparisonBoth:
	default:
		return fmt.Errorf("comparison must be plan, prior, or both, got %q", r.Comparison)
	}
	return nil
}

// Filter returns the requested value for a dimension ("" = unset).
func (r Request) Filter(d Dimension) string {
	switch d {
	case DimRegion:
		return r.Region
	case DimBU:
		return r.BU
	case DimProductLine:
		return r.ProductLine
	case DimSegment:
		return r.Segment
	case DimMetric:
		return r.Metric
	}
	return ""
}

// IsSweep reports whether the request expands into multiple scopes: either
// explicitly, or implicitly because no dimension is set.
func (r Request) IsSweep() bool {
	if r.FullSweep {
		return true
	}
	for _, d := range Dimensions() {
		if r.Filter(d) != "" {
			return false
		}
	}
	return true
}

// Scope returns the single concrete scope described by the request.
func (r Request) Scope() Scope {
	return Scope{
		Period:      r.Period,
		Region:      r.Region,
		BU:          r.BU,
		ProductLine: r.ProductLine,
		Segment:     r.Segment,
		Metric:      r.Metric,
	}
}

// Fingerprint is a stable hash over the normalized request. Two requests with
// identical parameters always produce the same fingerprint.
func (r Request) Fingerprint() string {
	n := r.Normalized()
	canon := strings.Join([]string{
		n.Period, n.Region, n.BU, n.ProductLine, n.Segment, n.Metric,
		string(n.Comparison), fmt.Sprintf("%t", n.IsSweep()),
	}, "\x1f")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// RunID derives the deterministic run identifier for the request: a readable
// scope slug plus a fingerprint prefix so distinct requests never collide.
func (r Request) RunID() string {
	n := r.Normalized()
	var bits []string
	for _, d := range Dimensions() {
		if v := n.Filter(d); v != "" {
			bits = append(bits, slugify(v))
		}
	}
	slug := "all"
	if len(bits) > 0 {
		slug = strings.Join(bits, "-")
	}
	id := "rca-" + strings.ReplaceAll(n.Period, "-", "") + "-" + slug
	if n.IsSweep() {
		id += "-sweep"
	}
	return id + "-" + n.Fingerprint()[:8]
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// Scope is an immutable (period, dimension filters) tuple. The zero value of
// a filter field means the dimension is not constrained. Scopes are comparable
// with ==.
type Scope struct {
	Period      string `json:"period"`
	Region      string `json:"region,omitempty"`
	BU          string `json:"bu,omitempty"`
	ProductLine string `json:"product_line,omitempty"`
	Segment     string `json:"segment,omitempty"`
	Metric      string `json:"metric,omitempty"`
}

// Filter returns the scope's value for a dimension ("" = unconstrained).
func (s Scope) Filter(d Dimension) string {
	switch d {
	case DimRegion:
		return s.Region
	case DimBU:
		return s.BU
	case DimProductLine:
		return s.ProductLine
	case DimSegment:
		return s.Segment
	case DimMetric:
		return s.Metric
	}
	return ""
}

// With returns a copy of the scope with one dimension pinned to a value.
func (s Scope) With(d Dimension, value string) Scope {
	switch d {
	case DimRegion:
		s.Region = value
	case DimBU:
		s.BU = value
	case DimProductLine:
		s.ProductLine = value
	case DimSegment:
		s.Segment = value
	case DimMetric:
		s.Metric = value
	}
	return s
}

// Label renders the scope for logs and briefs, e.g.
// "2025-08 region=APAC bu=Growth" or "2025-08 overall".
func (s Scope) Label() string {
	var parts []string
	for _, d := range Dimensions() {
		if v := s.Filter(d); v != "" {
			parts = append(parts, string(d)+"="+v)
		}
	}
	if len(parts) == 0 {
		return s.Period + " overall"
	}
	return s.Period + " " + strings.Join(parts, " ")
}

// PrevPeriod returns the calendar month before the scope's period, used for
// period-over-period comparisons. Returns "" if the period does not parse.
func (s Scope) PrevPeriod() string {
	t, err := time.Parse("2006-01", s.Period)
	if err != nil {
		return ""
	}
	return t.AddDate(0, -1, 0).Format("2006-01")
}

// Prev returns the same scope shifted to the previous period.
func (s Scope) Prev() Scope {
	s.Period = s.PrevPeriod()
	return s
}
