// Package triage is the decision boundary for Warden. It defines the Service
// (classification, clearance gating, review), the per-alert state machine, the
// DecisionRecord model, and the DecisionLog and StateCache contracts that
// storage backends implement.
package triage
