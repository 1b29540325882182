// Package authz verifies regression grants.
//
// A regression grant is an EdDSA-signed JWT issued by an administrator. It
// names the subject (sub), the phase the subject may be moved back to
// (to_phase) and who authorized it. A verified grant becomes a
// journey.regression_authorized event; the phase.regress command is only
// legal while that authorization is pending.
package authz
