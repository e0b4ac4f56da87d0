package rolemap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/casewyze/identity/pkg/orgs"
)

// Rule maps an IdP group name to an application role. Group matching is
// case-insensitive.
type Rule struct {
	ID        int64     `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	GroupName string    `json:"group_name"`
	Role      orgs.Role `json:"role"`
	Priority  int       `json:"priority"`
}

// Resolve evaluates rules against group claims and returns the resulting
// role. Rules must already be ordered by descending priority; the first rule
// whose group matches any claim wins. An empty claim set yields defaultRole,
// and an unmatched non-empty set falls back to orgs.DefaultFallbackRole.
func Resolve(rules []Rule, defaultRole orgs.Role, groupClaims []string) orgs.Role {
	if defaultRole == "" {
		defaultRole = orgs.DefaultFallbackRole
	}
	if len(groupClaims) == 0 {
		return defaultRole
	}

	claims := make(map[string]bool, len(groupClaims))
	for _, g := range groupClaims {
		claims[strings.ToLower(g)] = true
	}

	for _, rule := range rules {
		if claims[strings.ToLower(rule.GroupName)] {
			return rule.Role
		}
	}

	return orgs.DefaultFallbackRole
}

// Store fetches mapping rules from the database
type Store struct {
	db *sql.DB
}

// NewStore creates a new role mapping store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RulesForOrg returns an organization's mapping rules ordered by descending
// priority, ties broken by id for determinism
func (s *Store) RulesForOrg(ctx context.Context, orgID uuid.UUID) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, group_name, role, priority
		FROM role_mappings
		WHERE org_id = $1
		ORDER BY priority DESC, id ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role mappings: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ID, &rule.OrgID, &rule.GroupName, &rule.Role, &rule.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan role mapping: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// Determine loads an organization's rules and resolves a role in one call
func (s *Store) Determine(ctx context.Context, orgID uuid.UUID, defaultRole orgs.Role, groupClaims []string) (orgs.Role, error) {
	rules, err := s.RulesForOrg(ctx, orgID)
	if err != nil {
		return "", err
	}
	return Resolve(rules, defaultRole, groupClaims), nil
}
