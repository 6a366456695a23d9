package risk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/risk"
)

func TestAssess(t *testing.T) {
	tests := map[string]struct {
		description string
		expLevel    model.RiskLevel
	}{
		"A high risk keyword should be high risk": {
			description: "Deploy the service",
			expLevel:    model.RiskLevelHigh,
		},

		"Keywords should be matched case insensitive": {
			description: "Run the database MIGRATION",
			expLevel:    model.RiskLevelHigh,
		},

		"A low risk keyword should be low risk": {
			description: "Write the README for the project",
			expLevel:    model.RiskLevelLow,
		},

		"High risk keywords should take precedence over low risk keywords": {
			description: "Update the documentation about production billing",
			expLevel:    model.RiskLevelHigh,
		},

		"High risk should win even if the low risk keyword appears first": {
			description: "draft a refund policy",
			expLevel:    model.RiskLevelHigh,
		},

		"Keywords inside other words should match": {
			description: "Refactor the reader module",
			expLevel:    model.RiskLevelLow,
		},

		"Without keywords should be medium risk": {
			description: "Implement the TODO list API",
			expLevel:    model.RiskLevelMedium,
		},

		"Empty description should be medium risk": {
			description: "",
			expLevel:    model.RiskLevelMedium,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expLevel, risk.Assess(test.description))
		})
	}
}
