package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// InternAddresses returns the ID of every given address, creating the missing ones.
// Addresses must already be normalized. The returned map is keyed by address.
func InternAddresses(ctx context.Context, q Querier, addresses []string) (map[string]string, error) {
	unique := make([]string, 0, len(addresses))
	seen := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		unique = append(unique, a)
	}

	ids := make(map[string]string, len(unique))
	if len(unique) == 0 {
		return ids, nil
	}

	// A stable order keeps concurrent syncs from locking rows in opposite orders.
	sort.Strings(unique)

	batch := &pgx.Batch{}
	for _, a := range unique {
		batch.Queue(`
			INSERT INTO email_addresses (address)
			VALUES ($1)
			ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
			RETURNING id
		`, a)
	}

	results := q.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()

	for _, a := range unique {
		var id string
		if err := results.QueryRow().Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to intern address: %w", err)
		}
		ids[a] = id
	}

	return ids, nil
}
