// Package budget validates and advances envelope forwarding budgets.
package budget

import (
	"fmt"
	"time"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/schema"
)

// ValidateForForward checks the envelope budget against the next hop and, on
// success, returns the budget the forwarded message must carry: hop count
// incremented, the current subject appended to the ancestor chain, and one
// call consumed. The input budget is never mutated, so fanning one message to
// many subscribers cannot corrupt shared state.
func ValidateForForward(env *schema.Envelope, nextSubject string, now time.Time) (schema.Budget, error) {
	var zero schema.Budget
	if env == nil {
		return zero, errs.New("budget/validate", errs.CodeInvalid, errs.WithMessage("envelope required"))
	}

	b := env.Budget
	maxHops := b.EffectiveMaxHops()
	if b.HopCount >= maxHops {
		return zero, errs.New("budget/validate", errs.CodeBudgetExceeded,
			errs.WithReason(errs.ReasonHopLimit),
			errs.WithEntity(env.Subject),
			errs.WithMessage(fmt.Sprintf("hop count %d reached limit %d", b.HopCount, maxHops)))
	}
	if b.TTL > 0 && now.UnixMilli() >= b.TTL {
		return zero, errs.New("budget/validate", errs.CodeBudgetExceeded,
			errs.WithReason(errs.ReasonExpired),
			errs.WithEntity(env.Subject),
			errs.WithMessage("envelope ttl elapsed"))
	}
	if b.CallBudgetRemaining <= 0 {
		return zero, errs.New("budget/validate", errs.CodeBudgetExceeded,
			errs.WithReason(errs.ReasonBudgetExhausted),
			errs.WithEntity(env.Subject),
			errs.WithMessage("call budget exhausted"))
	}
	if b.InChain(nextSubject) {
		return zero, errs.New("budget/validate", errs.CodeBudgetExceeded,
			errs.WithReason(errs.ReasonCycle),
			errs.WithEntity(nextSubject),
			errs.WithMessage("next subject already in ancestor chain"))
	}

	next := b.Clone()
	next.HopCount++
	next.AncestorChain = append(next.AncestorChain, env.Subject)
	next.CallBudgetRemaining--
	return next, nil
}
