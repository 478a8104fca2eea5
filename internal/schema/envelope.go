// Package schema defines the relay wire entities: envelopes, budgets,
// access rules, subscriptions, adapter configuration, and session bindings.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doriancollier/relay/errs"
)

// DefaultMaxHops bounds the number of forwards an envelope may take when the
// publisher does not set an explicit limit.
const DefaultMaxHops = 5

// Budget carries the anti-loop and anti-abuse metadata attached to every
// envelope. Instances are treated as immutable once attached; forwarding
// attaches a fresh incremented copy rather than mutating in place.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"`
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// NewBudget constructs a fresh budget expiring at the absolute deadline.
func NewBudget(ttl time.Time, callBudget int) Budget {
	return Budget{
		HopCount:            0,
		MaxHops:             DefaultMaxHops,
		AncestorChain:       nil,
		TTL:                 ttl.UnixMilli(),
		CallBudgetRemaining: callBudget,
	}
}

// Clone deep-copies the budget so the ancestor chain never aliases between
// a source envelope and its forwarded copies.
func (b Budget) Clone() Budget {
	clone := b
	if len(b.AncestorChain) > 0 {
		clone.AncestorChain = append([]string(nil), b.AncestorChain...)
	}
	return clone
}

// InChain reports whether the subject already appears in the ancestor chain.
func (b Budget) InChain(subject string) bool {
	for _, ancestor := range b.AncestorChain {
		if ancestor == subject {
			return true
		}
	}
	return false
}

// EffectiveMaxHops resolves the hop ceiling, applying the default when unset.
func (b Budget) EffectiveMaxHops() int {
	if b.MaxHops < 1 {
		return DefaultMaxHops
	}
	return b.MaxHops
}

// Envelope is the full message unit moving through the relay. Immutable after
// publish except for the budget, which is replaced wholesale per forward.
type Envelope struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	Budget    Budget    `json:"budget"`
	CreatedAt time.Time `json:"createdAt"`
	Payload   any       `json:"payload"`
}

// NewEnvelope constructs an envelope with a generated id and creation time.
func NewEnvelope(subject, from string, budget Budget, payload any) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Subject:   strings.TrimSpace(subject),
		From:      strings.TrimSpace(from),
		ReplyTo:   "",
		Budget:    budget,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

// Validate checks the structural invariants required before dispatch.
func (e *Envelope) Validate() error {
	if e == nil {
		return errs.New("schema/envelope", errs.CodeInvalid, errs.WithMessage("envelope required"))
	}
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema/envelope", errs.CodeInvalid, errs.WithMessage("envelope id required"))
	}
	if err := ValidateSubject(e.Subject); err != nil {
		return err
	}
	if strings.TrimSpace(e.From) == "" {
		return errs.New("schema/envelope", errs.CodeInvalid, errs.WithMessage("envelope sender required"))
	}
	return nil
}

// Clone copies the envelope with an independent budget chain. The payload is
// shared; payloads are treated as read-only once published.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Budget = e.Budget.Clone()
	return &clone
}

// ValidateSubject ensures the subject is a non-empty dot-segmented address
// with no empty segments.
func ValidateSubject(subject string) error {
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return errs.New("schema/subject", errs.CodeInvalid, errs.WithMessage("subject required"))
	}
	for _, segment := range strings.Split(trimmed, ".") {
		if segment == "" {
			return errs.New("schema/subject", errs.CodeInvalid,
				errs.WithMessage("subject must not contain empty segments"),
				errs.WithEntity(subject))
		}
	}
	return nil
}
