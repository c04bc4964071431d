package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSpend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{10_200_000_000, "$10.2B"},
		{5_240_000, "$5.2M"},
		{450_000, "$450.0K"},
		{999, "$999"},
		{-2_500_000, "-$2.5M"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSpend(tt.in))
	}
}

func TestParseCurrency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"$10.2B", 10_200_000_000},
		{"$5.2M", 5_200_000},
		{"$450K", 450_000},
		{"$1,250", 1250},
		{"2.5m", 2_500_000},
		{"-$3K", -3000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCurrency(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCurrency_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseCurrency("lots")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable currency")
	assert.Zero(t, MustParseCurrency("n/a"))
}

func TestIsRestrictedQuery(t *testing.T) {
	t.Parallel()

	restricted := []string{
		"Why is Acme's score so high?",
		"Show me the breakdown for Borealis",
		"what is their financial health score",
		"any cyber security issues?",
		"Are they under sanctions?",
	}
	for _, q := range restricted {
		assert.True(t, IsRestrictedQuery(q), q)
	}

	assert.False(t, IsRestrictedQuery("show my portfolio"))
}

func TestMentionsRestrictedFactor(t *testing.T) {
	t.Parallel()

	suppliers := []Supplier{{SRS: RiskScore{Factors: []RiskFactor{
		{Name: "Financial Health", Tier: TierRestricted},
		{Name: "ESG", Tier: TierFreelyDisplayable},
	}}}}

	assert.True(t, MentionsRestrictedFactor("what drives the financial score", suppliers))
	assert.False(t, MentionsRestrictedFactor("how is their ESG", suppliers))
}

func TestMixOf(t *testing.T) {
	t.Parallel()

	src := func(types ...SourceType) []Source {
		var out []Source
		for _, st := range types {
			out = append(out, Source{Type: st})
		}
		return out
	}

	tests := []struct {
		name string
		in   []Source
		want SourceMix
	}{
		{"empty", nil, MixInternalOnly},
		{"internal", src(SourceBeroe, SourceInternalData), MixInternalOnly},
		{"partners", src(SourceBeroe, SourceEcoVadis), MixInternalPartners},
		{"web", src(SourceReport, SourceNews), MixInternalWeb},
		{"web only", src(SourceWeb), MixWebOnly},
		{"all", src(SourceBeroe, SourceDnD, SourceWeb), MixAll},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MixOf(tt.in))
		})
	}
	assert.True(t, MixAll.HasWeb())
	assert.False(t, MixInternalPartners.HasWeb())
}

func TestCategoryPriorityAndMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, IntentPortfolioOverview.Priority())
	assert.Less(t, IntentComparison.Priority(), IntentGeneral.Priority())
	assert.False(t, IntentCategory("bogus").Valid())
	assert.NotContains(t, CoreIntents(), IntentGeneral)

	assert.Equal(t, ConversationSuppliers, ConversationCategoryFor(IntentSupplierDeepDive))
	assert.Equal(t, ConversationRisk, ConversationCategoryFor(IntentPortfolioOverview))
	assert.Equal(t, ConversationResearch, ConversationCategoryFor(IntentMarketContext))
	assert.Equal(t, ConversationGeneral, ConversationCategoryFor(IntentInflationSummary))
}
