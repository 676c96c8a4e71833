// Package units converts source values into each field's canonical unit.
// Conversions are linear (to = from*factor + offset) and evaluated in
// decimal arithmetic so the same input always yields the same float.
package units

import (
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/trainset/internal/model"
)

// ConvertFunc converts a value from one unit to another.
type ConvertFunc func(v float64) float64

type pair struct {
	from, to string
}

// Registry holds conversion functions keyed by (from, to) unit pair.
type Registry struct {
	mu    sync.RWMutex
	funcs map[pair]ConvertFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[pair]ConvertFunc)}
}

// Normalize lower-cases and trims a unit string.
func Normalize(unit string) string {
	return strings.ToLower(strings.TrimSpace(unit))
}

// Register adds a conversion function. Registering the same pair twice is an
// error.
func (r *Registry) Register(from, to string, fn ConvertFunc) error {
	k := pair{Normalize(from), Normalize(to)}
	if k.from == k.to {
		return eris.Errorf("units: identity conversion %s", k.from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[k]; ok {
		return eris.Errorf("units: conversion %s -> %s already registered", k.from, k.to)
	}
	r.funcs[k] = fn
	return nil
}

// RegisterLinear adds to = from*factor + offset and, when factor is non-zero,
// its inverse.
func (r *Registry) RegisterLinear(from, to string, factor, offset float64) error {
	f := decimal.NewFromFloat(factor)
	o := decimal.NewFromFloat(offset)
	if f.IsZero() {
		return eris.Errorf("units: zero factor for %s -> %s", from, to)
	}
	if err := r.Register(from, to, linear(f, o)); err != nil {
		return err
	}
	// Inverse: from = (to - offset) / factor.
	inv := decimal.NewFromInt(1).DivRound(f, 16)
	return r.Register(to, from, linear(inv, o.Neg().Mul(inv)))
}

func linear(factor, offset decimal.Decimal) ConvertFunc {
	return func(v float64) float64 {
		out, _ := decimal.NewFromFloat(v).Mul(factor).Add(offset).Float64()
		return out
	}
}

// Convert converts v from unit to canonical. Equal units (after
// normalization) pass through unchanged. The bool is false when no
// conversion is registered.
func (r *Registry) Convert(v float64, unit, canonical string) (float64, bool) {
	from, to := Normalize(unit), Normalize(canonical)
	if from == to {
		return v, true
	}
	r.mu.RLock()
	fn, ok := r.funcs[pair{from, to}]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return fn(v), true
}

// Has reports whether from -> to can be converted.
func (r *Registry) Has(from, to string) bool {
	_, ok := r.Convert(0, from, to)
	return ok
}

// Default returns a registry preloaded with the built-in conversions used by
// commodity, macro and weather sources.
func Default() *Registry {
	r := NewRegistry()
	for _, c := range builtin {
		if err := r.RegisterLinear(c.From, c.To, c.Factor, c.Offset); err != nil {
			panic(err)
		}
	}
	return r
}

// FromRules returns Default() extended with declared conversion rules.
func FromRules(rules []model.ConversionRule) (*Registry, error) {
	r := Default()
	for _, c := range rules {
		if err := r.RegisterLinear(c.From, c.To, c.Factor, c.Offset); err != nil {
			return nil, &model.ConfigError{Reason: "conversions", Err: err}
		}
	}
	return r, nil
}

var builtin = []model.ConversionRule{
	{From: "usc/lb", To: "usd/lb", Factor: 0.01},
	{From: "usd/lb", To: "usd/kg", Factor: 2.2046226218},
	{From: "usd/t", To: "usd/kg", Factor: 0.001},
	{From: "usd/cwt", To: "usd/lb", Factor: 0.01},
	{From: "percent", To: "fraction", Factor: 0.01},
	{From: "percent", To: "bps", Factor: 100},
	{From: "degf", To: "degc", Factor: 5.0 / 9.0, Offset: -160.0 / 9.0},
	{From: "in", To: "mm", Factor: 25.4},
	{From: "kbbl", To: "bbl", Factor: 1000},
}
