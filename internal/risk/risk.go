// Package risk assesses how risky a task is based on its description.
package risk

import (
	"strings"

	"github.com/slok/agentline/internal/model"
)

var (
	highRiskKeywords = []string{"production", "deploy", "billing", "refund", "migration", "delete", "drop", "payment", "pricing"}
	lowRiskKeywords  = []string{"documentation", "readme", "comment", "draft", "read"}
)

// Assess returns the risk level of a task description. High risk keywords
// take precedence over low risk ones, anything else is medium risk.
func Assess(description string) model.RiskLevel {
	desc := strings.ToLower(description)

	if containsAny(desc, highRiskKeywords) {
		return model.RiskLevelHigh
	}

	if containsAny(desc, lowRiskKeywords) {
		return model.RiskLevelLow
	}

	return model.RiskLevelMedium
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
