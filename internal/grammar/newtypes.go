// Package grammar implements the context-free grammar model used to drive
// tree generation: rule registration, minimal-size fixed-point computation,
// weighted samplers, and serialization of a compiled grammar snapshot.
package grammar

// NTermID identifies a nonterminal symbol. IDs are assigned in registration
// order starting at zero.
type NTermID int

// RuleID identifies a rule in the order it was added to a Context.
type RuleID int

// NodeID identifies a node's position within a Tree's flat, pre-order
// node arrays.
type NodeID int
