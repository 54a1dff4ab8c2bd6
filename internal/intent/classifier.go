// Package intent classifies free-text requests into work types.
//
// Classification is pattern driven: an ordered list of categories, each
// with a trigger vocabulary. The first matching category wins, so the
// order of the table encodes priority. Escalations and disputes are
// checked before the generic action verbs so that "file a dispute" is
// never misrouted as a plain execution request.
package intent

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/metrics"
)

// Type is the classified work type of a request.
type Type string

const (
	TypeResearch       Type = "research"
	TypeExecute        Type = "execute"
	TypeMonitor        Type = "monitor"
	TypeDraft          Type = "draft"
	TypeDispute        Type = "dispute"
	TypeAutomate       Type = "automate"
	TypeEscalate       Type = "escalate"
	TypeWaitAndRecheck Type = "wait_and_recheck"
)

// Intent is the result of classifying one input. It is produced once per
// request and never mutated afterwards.
type Intent struct {
	Type                  Type           `json:"type"`
	Confidence            float64        `json:"confidence"`
	Reasoning             string         `json:"reasoning"`
	Parameters            map[string]any `json:"parameters"`
	RequiresHumanApproval bool           `json:"requires_human_approval"`
	EstimatedDuration     string         `json:"estimated_duration,omitempty"`
}

// category pairs a work type with its trigger vocabulary. Triggers that
// contain a space are matched as phrases, single words on word boundaries.
type category struct {
	intentType       Type
	confidence       float64
	reasoning        string
	requiresApproval bool
	duration         string
	triggers         []string
	extract          func(input string) map[string]any
}

// Classifier maps raw input text to an Intent.
type Classifier struct {
	logger     *zap.Logger
	categories []category
}

// NewClassifier builds a classifier with the default category table.
func NewClassifier(logger *zap.Logger) *Classifier {
	c := &Classifier{logger: logger}
	c.categories = []category{
		{
			intentType: TypeEscalate,
			confidence: 0.95,
			reasoning:  "Input requires human intervention or escalation",
			triggers: []string{
				"escalate", "urgent", "emergency", "critical",
				"need help", "can't handle", "human needed",
			},
			extract: func(input string) map[string]any {
				return map[string]any{"urgency": "high", "reason": input}
			},
		},
		{
			intentType:       TypeDispute,
			confidence:       0.92,
			reasoning:        "Input requests dispute or complaint handling",
			requiresApproval: true,
			duration:         "1-2 hours",
			triggers: []string{
				"dispute", "complaint", "challenge", "object to",
				"cfpb", "credit report", "file complaint",
			},
			extract: extractDisputeParams,
		},
		{
			intentType: TypeResearch,
			confidence: 0.9,
			reasoning:  "Input requests information gathering or analysis",
			triggers: []string{
				"research", "analyze", "investigate", "look up", "find out",
				"what is", "how does", "tell me about", "explain",
			},
			extract: extractResearchParams,
		},
		{
			intentType:       TypeExecute,
			confidence:       0.85,
			reasoning:        "Input requests action or execution",
			requiresApproval: true,
			duration:         "5-30 minutes",
			triggers: []string{
				"execute", "run", "perform", "do", "create", "send",
				"file", "submit", "process", "build",
			},
			extract: func(input string) map[string]any {
				return map[string]any{"action": input, "dry_run": false}
			},
		},
		{
			intentType: TypeMonitor,
			confidence: 0.88,
			reasoning:  "Input requests ongoing monitoring",
			triggers: []string{
				"monitor", "watch", "track", "check", "alert me",
				"notify when", "keep an eye on",
			},
			extract: func(input string) map[string]any {
				return map[string]any{"target": input, "frequency": "hourly"}
			},
		},
		{
			intentType: TypeDraft,
			confidence: 0.87,
			reasoning:  "Input requests document creation",
			triggers: []string{
				"draft", "write", "compose", "prepare", "generate",
				"letter", "document", "email", "report",
			},
			extract: extractDraftParams,
		},
		{
			intentType:       TypeAutomate,
			confidence:       0.86,
			reasoning:        "Input requests automation setup",
			requiresApproval: true,
			triggers: []string{
				"automate", "workflow", "schedule", "routine",
				"every", "whenever", "automatically",
			},
			extract: func(input string) map[string]any {
				return map[string]any{"workflow": input, "trigger": "manual"}
			},
		},
		{
			intentType: TypeWaitAndRecheck,
			confidence: 0.84,
			reasoning:  "Input requests delayed action or follow-up",
			triggers: []string{
				"remind me", "follow up", "check back", "later", "wait",
			},
			extract: func(input string) map[string]any {
				return map[string]any{"delay": extractTimeDelay(input), "action": input}
			},
		},
	}
	return c
}

// Classify maps input text to an Intent. It never fails: when no category
// matches it falls back to a low-confidence research intent carrying the
// raw input as the query.
func (c *Classifier) Classify(input string, context map[string]any) Intent {
	normalized := strings.ToLower(strings.TrimSpace(input))

	intent := c.match(normalized)

	c.logger.Info("Intent classified",
		zap.String("intent", string(intent.Type)),
		zap.Float64("confidence", intent.Confidence),
		zap.Bool("requires_approval", intent.RequiresHumanApproval),
		zap.String("input", truncate(input, 100)),
	)
	metrics.IntentsClassified.WithLabelValues(
		string(intent.Type),
		fmt.Sprintf("%t", intent.RequiresHumanApproval),
	).Inc()
	metrics.IntentConfidence.Observe(intent.Confidence)

	return intent
}

func (c *Classifier) match(input string) Intent {
	for _, cat := range c.categories {
		if !matchesAny(input, cat.triggers) {
			continue
		}
		return Intent{
			Type:                  cat.intentType,
			Confidence:            cat.confidence,
			Reasoning:             cat.reasoning,
			Parameters:            cat.extract(input),
			RequiresHumanApproval: cat.requiresApproval,
			EstimatedDuration:     cat.duration,
		}
	}

	// Explicit low-confidence fallback, not an error.
	return Intent{
		Type:       TypeResearch,
		Confidence: 0.5,
		Reasoning:  "Intent unclear, defaulting to research mode",
		Parameters: map[string]any{"query": input},
	}
}

func matchesAny(input string, triggers []string) bool {
	for _, trigger := range triggers {
		if strings.Contains(trigger, " ") {
			if strings.Contains(input, trigger) {
				return true
			}
			continue
		}
		if containsWord(input, trigger) {
			return true
		}
	}
	return false
}

// containsWord reports whether input contains trigger as a whole word.
// Substring matching would let "do" claim "document".
func containsWord(input, trigger string) bool {
	for _, field := range strings.FieldsFunc(input, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '?' || r == '!' || r == ';' || r == ':'
	}) {
		if field == trigger {
			return true
		}
	}
	return false
}

func extractResearchParams(input string) map[string]any {
	depth := "standard"
	if strings.Contains(input, "detailed") || strings.Contains(input, "comprehensive") {
		depth = "deep"
	}
	return map[string]any{"query": input, "depth": depth}
}

func extractDraftParams(input string) map[string]any {
	docType := "document"
	switch {
	case strings.Contains(input, "letter"):
		docType = "letter"
	case strings.Contains(input, "email"):
		docType = "email"
	case strings.Contains(input, "report"):
		docType = "report"
	case strings.Contains(input, "complaint"):
		docType = "complaint"
	}
	return map[string]any{"document_type": docType, "content": input}
}

func extractDisputeParams(input string) map[string]any {
	disputeType := "general"
	switch {
	case strings.Contains(input, "credit"):
		disputeType = "credit_report"
	case strings.Contains(input, "cfpb"):
		disputeType = "cfpb_complaint"
	case strings.Contains(input, "billing"):
		disputeType = "billing_dispute"
	}
	return map[string]any{"dispute_type": disputeType, "details": input}
}

func extractTimeDelay(input string) string {
	switch {
	case strings.Contains(input, "hour"):
		return "1h"
	case strings.Contains(input, "day"):
		return "1d"
	case strings.Contains(input, "week"):
		return "1w"
	case strings.Contains(input, "month"):
		return "1M"
	}
	return "1h"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
