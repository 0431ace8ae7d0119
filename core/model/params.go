package model

import "sync"

// MPCParams are the four scalar weights shared by the optimizer across all
// cycles and batteries. They are mutable at runtime through the parameter
// update topic; concurrent writers follow last-writer-wins semantics.
type MPCParams struct {
	mu     sync.RWMutex
	cost   float64
	effort float64
	soc    float64
	price  float64
}

// MPCParamsUpdate carries a partial parameter update. Nil fields retain the
// previous value.
type MPCParamsUpdate struct {
	CostWeight   *float64 `json:"cost_weight,omitempty"`
	EffortWeight *float64 `json:"effort_weight,omitempty"`
	SoCWeight    *float64 `json:"soc_weight,omitempty"`
	Price        *float64 `json:"price,omitempty"`
}

// NewMPCParams returns parameters initialized to the controller defaults.
func NewMPCParams() *MPCParams {
	return &MPCParams{cost: 1.0, effort: 1.0, soc: 20.0, price: 0.25}
}

// Snapshot returns a consistent view of all four weights.
func (p *MPCParams) Snapshot() (cost, effort, soc, price float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cost, p.effort, p.soc, p.price
}

// Apply merges a partial update into the parameters.
func (p *MPCParams) Apply(u MPCParamsUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.CostWeight != nil {
		p.cost = *u.CostWeight
	}
	if u.EffortWeight != nil {
		p.effort = *u.EffortWeight
	}
	if u.SoCWeight != nil {
		p.soc = *u.SoCWeight
	}
	if u.Price != nil {
		p.price = *u.Price
	}
}
