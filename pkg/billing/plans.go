package billing

// PlanID identifies a subscription plan.
type PlanID string

const (
	PlanFree     PlanID = "free"
	PlanStarter  PlanID = "starter"
	PlanPro      PlanID = "pro"
	PlanBusiness PlanID = "business"
)

// Plan describes a subscription plan: pricing per cycle and the monthly
// comment quota enforced by the widget backend.
type Plan struct {
	ID                PlanID `json:"id"`
	Name              string `json:"name"`
	PriceMonthlyCents int64  `json:"price_monthly_cents"`
	PriceYearlyCents  int64  `json:"price_yearly_cents"`
	CommentsPerMonth  int64  `json:"comments_per_month"` // 0 = unlimited
}

// Predefined plans.
var (
	FreePlan = Plan{
		ID:                PlanFree,
		Name:              "Free",
		PriceMonthlyCents: 0,
		PriceYearlyCents:  0,
		CommentsPerMonth:  500,
	}

	StarterPlan = Plan{
		ID:                PlanStarter,
		Name:              "Starter",
		PriceMonthlyCents: 1000, // $10
		PriceYearlyCents:  10000,
		CommentsPerMonth:  10_000,
	}

	ProPlan = Plan{
		ID:                PlanPro,
		Name:              "Pro",
		PriceMonthlyCents: 3000, // $30
		PriceYearlyCents:  30000,
		CommentsPerMonth:  100_000,
	}

	BusinessPlan = Plan{
		ID:                PlanBusiness,
		Name:              "Business",
		PriceMonthlyCents: 9900, // $99
		PriceYearlyCents:  99000,
		CommentsPerMonth:  0, // unlimited
	}

	// AllPlans is the ordered list of available plans.
	AllPlans = []Plan{FreePlan, StarterPlan, ProPlan, BusinessPlan}
)

// PlanByID looks up a plan by its identifier. Returns nil if not found.
func PlanByID(id PlanID) *Plan {
	for i := range AllPlans {
		if AllPlans[i].ID == id {
			p := AllPlans[i]
			return &p
		}
	}
	return nil
}

// Price returns the plan's charge amount for the given billing cycle.
func (p Plan) Price(cycle BillingCycle) int64 {
	if cycle == CycleYearly {
		return p.PriceYearlyCents
	}
	return p.PriceMonthlyCents
}

// Prorate computes the immediate charge for a mid-cycle plan change:
// remainingDays/totalDays of the price difference, truncated to whole cents.
// A non-positive result means no immediate charge (downgrades are not
// refunded). Zero is returned when the day counts are degenerate, which
// guards against clock skew and misconfigured cycle boundaries.
func Prorate(oldCents, newCents int64, remainingDays, totalDays int) int64 {
	if totalDays <= 0 || remainingDays <= 0 {
		return 0
	}
	return (newCents - oldCents) * int64(remainingDays) / int64(totalDays)
}
