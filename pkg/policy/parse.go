package policy

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// documentSchema is the structural contract a policy document must satisfy
// before range validation runs. Kept deliberately loose on unknown keys so
// policy authors can annotate documents without breaking loaders.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "global", "price_rules", "guardrails"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "global": {
      "type": "object",
      "required": ["max_rounds", "response_budget_ms"],
      "properties": {
        "currency_base": {"type": "string"},
        "exploration_pct": {"type": "number", "minimum": 0, "maximum": 1},
        "max_rounds": {"type": "integer"},
        "response_budget_ms": {"type": "integer"},
        "never_loss": {"type": "boolean"}
      }
    },
    "price_rules": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["min_margin", "max_discount_pct"],
        "properties": {
          "min_margin": {"type": "number"},
          "max_discount_pct": {"type": "number", "minimum": 0, "maximum": 1},
          "hold_minutes": {"type": "integer", "minimum": 0},
          "allow_perks": {"type": "boolean"},
          "allowed_perks": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "supplier_overrides": {"type": "object"},
    "promo_rules": {"type": "object"},
    "guardrails": {
      "type": "object",
      "properties": {
        "abort_if_inventory_stale_minutes": {"type": "integer", "minimum": 0},
        "abort_if_latency_ms_over": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("policy.schema.json", documentSchema)

// Parse parses and validates a raw YAML policy document.
func Parse(raw []byte) (*Policy, error) {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}
	if err := compiledSchema.Validate(jsonify(generic)); err != nil {
		return nil, fmt.Errorf("policy: schema validation: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if err := validateRanges(&p); err != nil {
		return nil, err
	}

	p.eligibility = compileEligibility(p.PromoRules.Eligibility.Expression)
	return &p, nil
}

// validateRanges rejects documents whose limits fall outside the envelope
// the engines are designed for.
func validateRanges(p *Policy) error {
	if p.Global.MaxRounds < 1 || p.Global.MaxRounds > 5 {
		return fmt.Errorf("policy: max_rounds %d outside [1,5]", p.Global.MaxRounds)
	}
	if p.Global.ResponseBudgetMS < 100 || p.Global.ResponseBudgetMS > 1000 {
		return fmt.Errorf("policy: response_budget_ms %d outside [100,1000]", p.Global.ResponseBudgetMS)
	}
	for pt, rule := range p.PriceRules {
		if rule.MinMargin < 0 {
			return fmt.Errorf("policy: %s min_margin %.2f is negative", pt, rule.MinMargin)
		}
		if rule.MaxDiscountPct < 0 || rule.MaxDiscountPct > 1 {
			return fmt.Errorf("policy: %s max_discount_pct %.2f outside [0,1]", pt, rule.MaxDiscountPct)
		}
	}
	for code, o := range p.SupplierOverrides {
		if o.MinMargin != nil && *o.MinMargin < 0 {
			return fmt.Errorf("policy: supplier %s min_margin is negative", code)
		}
		if o.MaxDiscountPct != nil && (*o.MaxDiscountPct < 0 || *o.MaxDiscountPct > 1) {
			return fmt.Errorf("policy: supplier %s max_discount_pct outside [0,1]", code)
		}
	}
	return nil
}

// compileEligibility compiles the promo eligibility CEL predicate. A broken
// expression yields nil, which PromoEligible treats as "nobody eligible".
func compileEligibility(expr string) cel.Program {
	if expr == "" {
		return nil
	}
	env, err := cel.NewEnv(
		cel.Variable("tier", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("round", cel.IntType),
	)
	if err != nil {
		return nil
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil
	}
	return prg
}

// jsonify converts a yaml.v3 decode result into the shape the jsonschema
// validator expects (json.Unmarshal-equivalent trees).
func jsonify(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
