package remotebroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbmcp/internal/broker"
)

var testCompanies = []broker.Company{
	{ID: "1", Name: "Acme Inc"},
	{ID: "2", Name: "Globex"},
	{ID: "3", Name: "Initech"},
	{ID: "4", Name: "globex"},
}

func TestDetectCompanyFromContext(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"exact case wins over case-insensitive", "invoices for globex last month", "4"},
		{"exact name", "show Globex balances", "2"},
		{"case-insensitive", "what does INITECH owe", "3"},
		{"possessive with suffix stripped", "pull Acme's profit and loss", "1"},
		{"curly apostrophe", "pull Acme’s vendors", "1"},
		{"full name", "Acme Inc revenue", "1"},
		{"word boundary", "initechnology report", ""},
		{"no match", "what is the weather", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectCompanyFromContext(tt.text, testCompanies)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestMatchCompanies_ReportsAllHitsOfFirstRule(t *testing.T) {
	companies := []broker.Company{
		{ID: "1", Name: "Acme"},
		{ID: "2", Name: "Globex"},
	}

	hits := MatchCompanies("compare Acme and Globex", companies)
	assert.Len(t, hits, 2)

	hits = MatchCompanies("compare acme and Globex", companies)
	require.Len(t, hits, 1)
	assert.Equal(t, "2", hits[0].ID)
}
