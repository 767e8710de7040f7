package auth

import (
	"context"
	"time"

	"github.com/prismgate/prismgate/internal/metrics"
	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// BudgetChecker enforces the spend hierarchy. Scopes are checked from the
// narrowest outward so the rejection names the tightest violated budget:
// end user, key, team member, team, organization, then the global cap. A
// budget is violated only when spend strictly exceeds it; zero or unset
// budgets never restrict.
type BudgetChecker struct {
	loader *Loader
	alerts *Dispatcher

	globalMax    float64
	aggregateTTL time.Duration
	zeroCost     map[string]struct{}
	modelCosts   map[string]float64
}

// BudgetCheckerConfig mirrors the budget section of the gateway config.
type BudgetCheckerConfig struct {
	GlobalMaxBudget float64
	AggregateTTL    time.Duration
	ZeroCostModels  []string
	ModelCosts      map[string]float64
}

// NewBudgetChecker creates a checker. alerts may be nil to disable budget
// notifications.
func NewBudgetChecker(loader *Loader, alerts *Dispatcher, cfg BudgetCheckerConfig) *BudgetChecker {
	zc := make(map[string]struct{}, len(cfg.ZeroCostModels))
	for _, m := range cfg.ZeroCostModels {
		zc[m] = struct{}{}
	}
	if cfg.AggregateTTL <= 0 {
		cfg.AggregateTTL = 10 * time.Second
	}
	return &BudgetChecker{
		loader:       loader,
		alerts:       alerts,
		globalMax:    cfg.GlobalMaxBudget,
		aggregateTTL: cfg.AggregateTTL,
		zeroCost:     zc,
		modelCosts:   cfg.ModelCosts,
	}
}

// IsZeroCost reports whether the model is exempt from budget enforcement:
// either listed as zero-cost or carrying an explicit zero entry in the cost
// table.
func (b *BudgetChecker) IsZeroCost(model string) bool {
	if _, ok := b.zeroCost[model]; ok {
		return true
	}
	if cost, ok := b.modelCosts[model]; ok && cost == 0 {
		return true
	}
	return false
}

// Check walks the scope hierarchy. Any record argument may be nil when that
// scope does not apply to the request.
func (b *BudgetChecker) Check(ctx context.Context, model string, endUser *EndUserRecord, key *KeyRecord, membership *TeamMembership, team *TeamRecord, org *OrganizationRecord, now time.Time) error {
	if model != "" && b.IsZeroCost(model) {
		return nil
	}

	if endUser != nil && exceeded(endUser.Spend, endUser.MaxBudget) {
		b.exceededAlert(autherrors.ScopeEndUser, endUser.UserID, endUser.Spend, endUser.MaxBudget)
		return autherrors.NewBudgetExceededError(autherrors.ScopeEndUser, endUser.Spend, endUser.MaxBudget)
	}

	if key != nil {
		max := key.EffectiveMaxBudget(now)
		if exceeded(key.Spend, max) {
			b.exceededAlert(autherrors.ScopeKey, key.TokenHash, key.Spend, max)
			return autherrors.NewBudgetExceededError(autherrors.ScopeKey, key.Spend, max)
		}
		b.softAlert(autherrors.ScopeKey, key.TokenHash, key.Spend, key.SoftBudget)
		if max > 0 {
			metrics.KeyRemainingBudget.WithLabelValues(MaskToken(key.TokenHash)).Set(max - key.Spend)
		}
	}

	if membership != nil && exceeded(membership.Spend, membership.MaxBudget) {
		b.exceededAlert(autherrors.ScopeTeamMember, membership.UserID, membership.Spend, membership.MaxBudget)
		return autherrors.NewBudgetExceededError(autherrors.ScopeTeamMember, membership.Spend, membership.MaxBudget)
	}

	if team != nil {
		if exceeded(team.Spend, team.MaxBudget) {
			b.exceededAlert(autherrors.ScopeTeam, team.ID, team.Spend, team.MaxBudget)
			return autherrors.NewBudgetExceededError(autherrors.ScopeTeam, team.Spend, team.MaxBudget)
		}
		b.softAlert(autherrors.ScopeTeam, team.ID, team.Spend, team.SoftBudget)
		if team.MaxBudget > 0 {
			metrics.TeamRemainingBudget.WithLabelValues(team.ID).Set(team.MaxBudget - team.Spend)
		}
	}

	if org != nil && exceeded(org.Spend, org.MaxBudget) {
		b.exceededAlert(autherrors.ScopeOrg, org.ID, org.Spend, org.MaxBudget)
		return autherrors.NewBudgetExceededError(autherrors.ScopeOrg, org.Spend, org.MaxBudget)
	}

	if b.globalMax > 0 {
		total, err := b.loader.GetAggregateSpend(ctx, b.aggregateTTL)
		if err != nil {
			return autherrors.NewStoreUnavailableError("aggregate spend lookup failed")
		}
		if total > b.globalMax {
			b.exceededAlert(autherrors.ScopeGlobal, "global", total, b.globalMax)
			return autherrors.NewBudgetExceededError(autherrors.ScopeGlobal, total, b.globalMax)
		}
	}
	return nil
}

// exceeded implements the single comparison rule for every scope: a budget
// of zero or less means unlimited, and only strictly greater spend violates.
func exceeded(spend, max float64) bool {
	return max > 0 && spend > max
}

func (b *BudgetChecker) softAlert(scope autherrors.BudgetScope, id string, spend float64, soft *float64) {
	if b.alerts == nil || soft == nil || *soft <= 0 || spend < *soft {
		return
	}
	b.alerts.Fire(Alert{
		Scope:      scope,
		SubjectID:  id,
		Spend:      spend,
		SoftBudget: *soft,
		Severity:   SeverityWarning,
	})
}

func (b *BudgetChecker) exceededAlert(scope autherrors.BudgetScope, id string, spend, max float64) {
	if b.alerts == nil {
		return
	}
	b.alerts.Fire(Alert{
		Scope:     scope,
		SubjectID: id,
		Spend:     spend,
		MaxBudget: max,
		Severity:  SeverityExceeded,
	})
}
