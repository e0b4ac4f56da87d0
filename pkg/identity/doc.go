// Package identity reconciles verified external identities into internal
// user accounts and organization memberships.
//
// Reconciliation is idempotent: repeated logins with an unchanged resolved
// role leave the membership untouched, while a changed role is corrected in
// place (last-IdP-state-wins). The package also issues the single-use magic
// links that complete a federated login.
package identity
