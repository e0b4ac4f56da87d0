// Package rolemap resolves application roles from identity-provider group
// claims using organization-scoped, priority-ordered mapping rules.
//
// Rule evaluation is a pure function over an ordered rule slice so the
// precedence contract (higher priority wins, first match wins) is testable
// without a database.
package rolemap
