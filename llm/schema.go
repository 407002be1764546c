package llm

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// SalesAnalysis is the document the analysis backend is asked to produce.
// It only drives the JSON schema sent in the prompt; answers are handled
// as loosely typed maps because models do not always honor the schema.
type SalesAnalysis struct {
	DealStage        string           `json:"deal_stage" jsonschema:"required,enum=discovery,enum=interest,enum=evaluation,enum=negotiation,enum=closing,enum=lost,enum=unknown"`
	CustomerIntent   CustomerIntent   `json:"customer_intent" jsonschema:"required"`
	PainPoints       []PainPoint      `json:"pain_points" jsonschema:"required"`
	BudgetSignals    BudgetSignals    `json:"budget_signals" jsonschema:"required"`
	DecisionProcess  DecisionProcess  `json:"decision_process" jsonschema:"required"`
	Objections       []Objection      `json:"objections" jsonschema:"required"`
	OpportunityScore OpportunityScore `json:"opportunity_score" jsonschema:"required"`
	NextBestActions  []NextAction     `json:"next_best_actions" jsonschema:"required"`
	Upsell           []Upsell         `json:"upsell_or_cross_sell_opportunities" jsonschema:"required"`
	Risks            []Risk           `json:"risks" jsonschema:"required"`
	Unknowns         []string         `json:"unknowns" jsonschema:"required"`
	SellerCoaching   SellerCoaching   `json:"seller_coaching" jsonschema:"required"`
}

type CustomerIntent struct {
	Level    string   `json:"level" jsonschema:"required,enum=low,enum=medium,enum=high"`
	Evidence []string `json:"evidence" jsonschema:"required"`
}

type PainPoint struct {
	Topic    string `json:"topic" jsonschema:"required"`
	Evidence string `json:"evidence" jsonschema:"required"`
}

type BudgetSignals struct {
	HasBudget *bool    `json:"has_budget" jsonschema:"required"`
	Evidence  []string `json:"evidence" jsonschema:"required"`
}

type DecisionProcess struct {
	DecisionMaker string   `json:"decision_maker" jsonschema:"required"`
	Stakeholders  []string `json:"stakeholders" jsonschema:"required"`
	Timeline      string   `json:"timeline" jsonschema:"required"`
}

type Objection struct {
	Type   string `json:"type" jsonschema:"required,enum=price,enum=trust,enum=timing,enum=feature,enum=authority,enum=other"`
	Detail string `json:"detail" jsonschema:"required"`
}

type OpportunityScore struct {
	Score     int    `json:"score" jsonschema:"required,minimum=0,maximum=100"`
	Rationale string `json:"rationale" jsonschema:"required"`
}

type NextAction struct {
	Priority string `json:"priority" jsonschema:"required,enum=high,enum=medium,enum=low"`
	Action   string `json:"action" jsonschema:"required"`
	Reason   string `json:"reason" jsonschema:"required"`
}

type Upsell struct {
	ProductOrFeature string `json:"product_or_feature" jsonschema:"required"`
	Reason           string `json:"reason" jsonschema:"required"`
}

type Risk struct {
	Risk   string `json:"risk" jsonschema:"required"`
	Impact string `json:"impact" jsonschema:"required,enum=high,enum=medium,enum=low"`
}

type SellerCoaching struct {
	WhatWentWell  []string `json:"what_went_well" jsonschema:"required"`
	WhatToImprove []string `json:"what_to_improve" jsonschema:"required"`
}

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// AnalysisSchema returns the JSON schema of SalesAnalysis, inlined and
// closed to additional properties.
func AnalysisSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := jsonschema.Reflector{
			AllowAdditionalProperties:  false,
			DoNotReference:             true,
			RequiredFromJSONSchemaTags: true,
		}
		s := r.Reflect(&SalesAnalysis{})
		s.Version = ""
		s.ID = ""
		schemaJSON, schemaErr = json.Marshal(s)
	})
	return schemaJSON, schemaErr
}
