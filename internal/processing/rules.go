package processing

import "database/sql"

// NewDBRuleProvider resolves a business's category_rules, ordered by
// priority descending so the first match in matchRule wins the highest-
// priority rule.
func NewDBRuleProvider(db *sql.DB) RuleProvider {
	return func(businessID string) ([]CategoryRule, error) {
		rows, err := db.Query(`
			SELECT category_id, match_kind, match_value, priority
			FROM category_rules
			WHERE business_id = ?
			ORDER BY priority DESC, id ASC`, businessID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var rules []CategoryRule
		for rows.Next() {
			var r CategoryRule
			if err := rows.Scan(&r.CategoryID, &r.MatchKind, &r.MatchValue, &r.Priority); err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
		return rules, rows.Err()
	}
}
