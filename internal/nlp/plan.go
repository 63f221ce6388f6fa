package nlp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/urg"
)

// Risk classes of a plan.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Step is one bound action of a plan.
type Step struct {
	Action      string         `json:"action"`
	GraphID     string         `json:"graph_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Description string         `json:"description"`
}

// Plan is an executable reading of an intent, bound against the caller's
// resources.
type Plan struct {
	ID               string    `json:"id"`
	Tenant           string    `json:"tenant"`
	Intent           Intent    `json:"intent"`
	Steps            []Step    `json:"steps"`
	Risk             string    `json:"risk"`
	RequiresApproval bool      `json:"requires_approval"`
	Preview          string    `json:"preview"`
	CreatedAt        time.Time `json:"created_at"`
}

// ApprovalPolicy can override the default risk-based approval decision.
type ApprovalPolicy func(p *Plan) bool

// Planner binds intents to resources.
type Planner struct {
	index  *urg.Index
	policy ApprovalPolicy
	now    func() time.Time
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithApprovalPolicy replaces the default high-risk-needs-approval rule.
func WithApprovalPolicy(policy ApprovalPolicy) PlannerOption {
	return func(p *Planner) {
		p.policy = policy
	}
}

// WithPlannerClock injects a clock.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) {
		p.now = now
	}
}

// NewPlanner creates a planner over the resource index.
func NewPlanner(index *urg.Index, opts ...PlannerOption) *Planner {
	p := &Planner{
		index: index,
		now:   time.Now,
		policy: func(plan *Plan) bool {
			return plan.Risk == RiskHigh
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// verbActions maps verbs to the router action and the resource type the
// plan binds against.
var verbActions = map[string]struct {
	action       string
	resourceType string
	bulk         bool
}{
	"reply":    {"email.reply", "email", false},
	"forward":  {"email.forward", "email", false},
	"email":    {"email.send", "email", false},
	"message":  {"message.send", "message", false},
	"schedule": {"event.schedule", "event", false},
	"delete":   {"", "", true},
	"update":   {"", "", false},
	"create":   {"", "", false},
}

// Plan turns an intent into a bound plan for the user's tenant.
func (p *Planner) Plan(ctx context.Context, intent *Intent, user router.User) (*Plan, error) {
	plan := &Plan{
		ID:        uuid.New().String(),
		Tenant:    user.Tenant,
		Intent:    *intent,
		CreatedAt: p.now().UTC(),
	}

	switch intent.Verb {
	case "find", "list":
		// Read verbs execute as a search, no mutation steps to bind.
		plan.Risk = RiskLow
	default:
		steps, err := p.bindSteps(ctx, intent, user)
		if err != nil {
			return nil, err
		}
		plan.Steps = steps
		plan.Risk = riskOf(intent.Verb, len(steps))
	}

	plan.RequiresApproval = p.policy(plan)
	plan.Preview = renderPreview(plan)
	return plan, nil
}

// bindSteps resolves intent references to concrete resources.
func (p *Planner) bindSteps(ctx context.Context, intent *Intent, user router.User) ([]Step, error) {
	va, ok := verbActions[intent.Verb]
	if !ok {
		return nil, core.NewErrorf(core.CodeValidation, "verb %q has no bound action", intent.Verb)
	}

	// Targets name recipients, not search terms. Bind against the first
	// artifact, or everything the filters allow when there is none.
	query := "*"
	if len(intent.Artifacts) > 0 {
		query = intent.Artifacts[0]
	}

	hits, err := p.index.Search(ctx, query, urg.Filter{
		Tenant: user.Tenant,
		Type:   va.resourceType,
		Source: intent.Constraints.Source,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, core.NewErrorf(core.CodeNotFound, "nothing matches %q", intent.Raw).
			WithRemediation("try a broader phrasing or drop the source filter")
	}

	payload := map[string]any{}
	if len(intent.Targets) > 0 {
		payload["targets"] = intent.Targets
	}
	if len(intent.Artifacts) > 0 {
		payload["artifacts"] = intent.Artifacts
	}

	if va.bulk {
		steps := make([]Step, 0, len(hits))
		for _, hit := range hits {
			steps = append(steps, Step{
				Action:      hit.Type + "." + intent.Verb,
				GraphID:     hit.GraphID,
				Payload:     payload,
				Description: fmt.Sprintf("%s %s %q", intent.Verb, hit.Type, hit.Title),
			})
		}
		return steps, nil
	}

	hit := hits[0]
	action := va.action
	if action == "" {
		action = hit.Type + "." + intent.Verb
	}
	return []Step{{
		Action:      action,
		GraphID:     hit.GraphID,
		Payload:     payload,
		Description: fmt.Sprintf("%s %s %q", intent.Verb, hit.Type, hit.Title),
	}}, nil
}

func riskOf(verb string, steps int) string {
	switch verb {
	case "forward", "delete", "schedule":
		return RiskHigh
	}
	if steps > 1 {
		return RiskHigh
	}
	return RiskMedium
}

// renderPreview is deterministic: same plan, same string.
func renderPreview(p *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d step(s), risk=%s", p.Intent.Verb, len(p.Steps), p.Risk)
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "\n  %d. %s (%s on %s)", i+1, s.Description, s.Action, s.GraphID)
	}
	return b.String()
}
