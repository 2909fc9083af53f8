package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"vigilo/internal/accounts"

	"github.com/rs/zerolog/log"
)

// seedAccount is one entry from an accounts seed file.
type seedAccount struct {
	ID         string
	SessionRef string
}

// loadSeedAccounts reads a seed file with one "id session_ref" pair per
// line. Blank lines and lines starting with # are skipped, as are lines
// that do not split into exactly two fields.
func loadSeedAccounts(path string) ([]seedAccount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer f.Close()

	var seeds []seedAccount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			log.Warn().Str("line", line).Msg("Skipping malformed accounts file line")
			continue
		}
		seeds = append(seeds, seedAccount{ID: fields[0], SessionRef: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return seeds, nil
}

// seedPool registers seed accounts that are not already in the pool and
// returns how many were added.
func seedPool(ctx context.Context, pool *accounts.Pool, seeds []seedAccount) int {
	added := 0
	for _, seed := range seeds {
		if _, err := pool.Add(ctx, seed.ID, seed.SessionRef); err != nil {
			if errors.Is(err, accounts.ErrAccountExists) {
				continue
			}
			log.Error().Err(err).Str("account_id", seed.ID).Msg("Failed to seed account")
			continue
		}
		log.Info().Str("account_id", seed.ID).Msg("Seeded reporting account")
		added++
	}
	log.Info().Int("added", added).Int("listed", len(seeds)).Msg("Account pool seeded")
	return added
}
