// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "github.com/relaymq/relaymq/core"

// Filter decides whether a message should be sent to a particular session.
// A filtered-out message still advances the session's delivery pointer; it
// is simply never written to the endpoint.
type Filter interface {
	Accept(msg core.Message) bool
}

// FilterChain applies a sequence of Filters; a message must pass every
// filter in the chain to be delivered.
type FilterChain []Filter

// Accept reports whether msg passes every filter in the chain. An empty
// chain accepts everything.
func (c FilterChain) Accept(msg core.Message) bool {
	for _, f := range c {
		if !f.Accept(msg) {
			return false
		}
	}
	return true
}

// AllToAllFilter is the system-provided default topology filter: every
// subscriber on a topic receives every message.
type AllToAllFilter struct{}

// Accept always returns true.
func (AllToAllFilter) Accept(core.Message) bool { return true }

// PredicateFilter is a minimal stand-in for Hedwig's pluggable, dynamically
// loaded message filter class: it matches messages whose payload contains
// the configured predicate as a byte substring. Go has no equivalent to
// runtime class loading, so this narrows the extensibility point to a
// closed set of built-in predicate kinds rather than dropping it entirely.
type PredicateFilter struct {
	Predicate []byte
}

// Accept reports whether msg's payload contains the configured predicate.
// An empty predicate accepts everything.
func (f PredicateFilter) Accept(msg core.Message) bool {
	if len(f.Predicate) == 0 {
		return true
	}
	return containsBytes(msg.Bytes(), f.Predicate)
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

// BuildFilterChain constructs the standard chain: the mandatory
// AllToAllFilter followed by an optional user-supplied predicate parsed
// from a subscription's MessageFilter preference. An empty filter string
// yields just the topology filter.
func BuildFilterChain(messageFilter string) FilterChain {
	chain := FilterChain{AllToAllFilter{}}
	if messageFilter != "" {
		chain = append(chain, PredicateFilter{Predicate: []byte(messageFilter)})
	}
	return chain
}
