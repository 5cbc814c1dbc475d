package ledger

import "database/sql"

type accountRef struct {
	accType AccountType
	subtype string
}

// NewDBAccountLookup builds an AccountLookup over businessID's chart of
// accounts. Each posted transaction resolves its account two ways: first by
// the category txn_categorizations actually assigned it (the authoritative
// source once the processing pipeline has run), then by matching its raw
// category_hint against business_category_map's system keys for
// transactions the pipeline hasn't categorized yet. Both paths anchor
// through categories.anchor_account_id into accounts.type/subtype.
// Uncategorized transactions resolve to AccountType("uncategorized").
func NewDBAccountLookup(db *sql.DB, businessID string) (AccountLookup, error) {
	byEvent, err := loadAccountsByEvent(db, businessID)
	if err != nil {
		return nil, err
	}
	byHint, err := loadAccountsByCategoryHint(db, businessID)
	if err != nil {
		return nil, err
	}

	return func(sourceEventID, categoryHint string) (AccountType, string) {
		if ref, ok := byEvent[sourceEventID]; ok {
			return ref.accType, ref.subtype
		}
		if ref, ok := byHint[categoryHint]; ok {
			return ref.accType, ref.subtype
		}
		return AccountType("uncategorized"), ""
	}, nil
}

func loadAccountsByEvent(db *sql.DB, businessID string) (map[string]accountRef, error) {
	rows, err := db.Query(`
		SELECT tc.source_event_id, a.type, COALESCE(a.subtype, '')
		FROM txn_categorizations tc
		JOIN categories c ON c.id = tc.category_id AND c.business_id = tc.business_id
		JOIN accounts a ON a.id = c.anchor_account_id
		WHERE tc.business_id = ?`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]accountRef)
	for rows.Next() {
		var sourceEventID, accType, subtype string
		if err := rows.Scan(&sourceEventID, &accType, &subtype); err != nil {
			return nil, err
		}
		out[sourceEventID] = accountRef{accType: AccountType(accType), subtype: subtype}
	}
	return out, rows.Err()
}

func loadAccountsByCategoryHint(db *sql.DB, businessID string) (map[string]accountRef, error) {
	rows, err := db.Query(`
		SELECT bcm.system_key, a.type, COALESCE(a.subtype, '')
		FROM business_category_map bcm
		JOIN categories c ON c.id = bcm.category_id AND c.business_id = bcm.business_id
		JOIN accounts a ON a.id = c.anchor_account_id
		WHERE bcm.business_id = ?`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]accountRef)
	for rows.Next() {
		var systemKey, accType, subtype string
		if err := rows.Scan(&systemKey, &accType, &subtype); err != nil {
			return nil, err
		}
		out[systemKey] = accountRef{accType: AccountType(accType), subtype: subtype}
	}
	return out, rows.Err()
}
