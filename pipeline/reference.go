package pipeline

import (
	"context"
	"strings"

	"github.com/recepta-ai/recepta/gateway"
	"github.com/recepta-ai/recepta/turn"
)

// Reference collaborators: deterministic classifier, router, and planner so
// the service runs end-to-end without an external NLU. Production wiring
// injects the real implementations behind the same interfaces.

// KeywordClassifier assigns categories by keyword lookup on the lowercased
// text. Greetings win over everything else.
type KeywordClassifier struct{}

// Compile-time check that KeywordClassifier implements Classifier.
var _ Classifier = KeywordClassifier{}

var greetingWords = []string{"oi", "olá", "ola", "bom dia", "boa tarde", "boa noite", "e aí", "opa"}

var categoryKeywords = map[string][]string{
	"scheduling": {"agendar", "marcar", "horário", "horario", "consulta", "remarcar"},
	"pricing":    {"preço", "preco", "valor", "quanto custa", "orçamento", "orcamento"},
	"cancel":     {"cancelar", "desmarcar"},
}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, text string) (Classification, error) {
	lower := strings.ToLower(text)
	for _, w := range greetingWords {
		if lower == w || strings.HasPrefix(lower, w+" ") || strings.HasPrefix(lower, w+"\n") || strings.HasPrefix(lower, w+",") {
			return Classification{Category: greetingCategory, Confidence: 0.9}, nil
		}
	}
	for category, words := range categoryKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return Classification{Category: category, Confidence: 0.7}, nil
			}
		}
	}
	return Classification{Category: "general", Confidence: 0.3}, nil
}

// ThresholdRouter proceeds on confident classifications and falls back to a
// human handoff below the threshold.
type ThresholdRouter struct {
	// Threshold is the minimum confidence to proceed. Zero means 0.5.
	Threshold float64
}

// Compile-time check that ThresholdRouter implements Router.
var _ Router = ThresholdRouter{}

// Route implements Router.
func (r ThresholdRouter) Route(_ context.Context, c Classification) (Routing, error) {
	threshold := r.Threshold
	if threshold == 0 {
		threshold = 0.5
	}
	if c.Confidence < threshold {
		return Routing{TargetNode: "handoff", Action: ActionEscalate, FinalConfidence: c.Confidence}, nil
	}
	return Routing{TargetNode: c.Category, Action: ActionProceed, FinalConfidence: c.Confidence}, nil
}

// TemplatePlanner maps routing targets to a single templated reply. Pure with
// respect to its inputs, so replanning the same turn yields the same payloads
// and (derived) idempotency keys.
type TemplatePlanner struct {
	// Templates maps a target node to the reply text. Missing nodes use the
	// escalate template.
	Templates map[string]string
}

// Compile-time check that TemplatePlanner implements Planner.
var _ Planner = TemplatePlanner{}

// DefaultTemplates is the reference reply set.
var DefaultTemplates = map[string]string{
	greetingCategory: "Olá! Bem-vindo. Como posso ajudar você hoje?",
	"scheduling":     "Claro! Para agendar, me informe o dia e horário de sua preferência.",
	"pricing":        "Nossos valores variam conforme o serviço. Qual procedimento você tem interesse?",
	"cancel":         "Sem problemas. Me informe o nome e o horário da consulta que deseja cancelar.",
	"general":        "Entendi! Um momento que já te respondo.",
	"handoff":        "Vou te transferir para nossa equipe. Um momento, por favor.",
}

// Plan implements Planner.
func (p TemplatePlanner) Plan(_ context.Context, t *turn.Turn, _ Classification, r Routing) ([]Planned, error) {
	templates := p.Templates
	if templates == nil {
		templates = DefaultTemplates
	}
	text, ok := templates[r.TargetNode]
	if !ok {
		text = templates["handoff"]
	}
	return []Planned{{
		Payload: gateway.Payload{
			Recipient: t.Phone,
			Channel:   "whatsapp",
			Text:      text,
		},
	}}, nil
}
