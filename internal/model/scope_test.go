package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFingerprintDeterministic(t *testing.T) {
	a := Request{Period: "2025-08", Region: "APAC", BU: "Growth"}
	b := Request{Period: "2025-08", Region: "APAC", BU: "Growth"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.RunID(), b.RunID())
}

func TestRequestFingerprintDistinguishesRequests(t *testing.T) {
	base := Request{Period: "2025-08", Region: "APAC"}
	cases := []Request{
		{Period: "2025-09", Region: "APAC"},
		{Period: "2025-08", Region: "EMEA"},
		{Period: "2025-08", Region: "APAC", BU: "Growth"},
		{Period: "2025-08", Region: "APAC", Comparison: ComparisonPrior},
		{Period: "2025-08", Region: "APAC", FullSweep: true},
	}
	for _, c := range cases {
		assert.NotEqual(t, base.Fingerprint(), c.Fingerprint(), "request %+v", c)
	}
}

func TestRequestFingerprintNormalizesDefaults(t *testing.T) {
	// "both" is the default comparison, so leaving it unset is the same request.
	a := Request{Period: "2025-08", Region: "APAC"}
	b := Request{Period: "2025-08", Region: " APAC ", Comparison: ComparisonBoth}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestRequestRunIDShape(t *testing.T) {
	id := Request{Period: "2025-08", Region: "APAC", BU: "Growth"}.RunID()
	assert.Regexp(t, `^rca-202508-apac-growth-[0-9a-f]{8}$`, id)

	sweep := Request{Period: "2025-08"}.RunID()
	assert.Regexp(t, `^rca-202508-all-sweep-[0-9a-f]{8}$`, sweep)
}

func TestRequestIsSweep(t *testing.T) {
	assert.True(t, Request{Period: "2025-08"}.IsSweep())
	assert.True(t, Request{Period: "2025-08", Region: "APAC", FullSweep: true}.IsSweep())
	assert.False(t, Request{Period: "2025-08", Region: "APAC"}.IsSweep())
	assert.False(t, Request{Period: "2025-08", Metric: "revenue"}.IsSweep())
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, Request{Period: "2025-08"}.Validate())
	require.Error(t, Request{Period: "August 2025"}.Validate())
	require.Error(t, Request{Period: "2025-13"}.Validate())
	require.Error(t, Request{Period: "2025-08", Comparison: "yoy"}.Validate())
}

func TestScopeLabel(t *testing.T) {
	s := Scope{Period: "2025-08", Region: "APAC", BU: "Growth"}
	assert.Equal(t, "2025-08 region=APAC bu=Growth", s.Label())
	assert.Equal(t, "2025-08 overall", Scope{Period: "2025-08"}.Label())
}

func TestScopeWithDoesNotMutate(t *testing.T) {
	s := Scope{Period: "2025-08"}
	s2 := s.With(DimRegion, "EMEA")
	assert.Empty(t, s.Region)
	assert.Equal(t, "EMEA", s2.Region)
}

func TestScopePrevPeriod(t *testing.T) {
	assert.Equal(t, "2025-07", Scope{Period: "2025-08"}.PrevPeriod())
	assert.Equal(t, "2024-12", Scope{Period: "2025-01"}.PrevPeriod())
	assert.Empty(t, Scope{Period: "garbage"}.PrevPeriod())
}
