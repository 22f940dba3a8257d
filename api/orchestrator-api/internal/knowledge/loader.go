// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

const (
	FactsFile       = "nxtg_facts.jsonl"
	DisclaimersFile = "disclaimers.json"
	ClaimsFile      = "allowed_claims.json"
)

// Load reads the three knowledge catalogs from dir, falling back to
// dir/../knowledge for each file individually. The catalogs are loaded in
// parallel; a missing facts catalog leaves the registry not-ready rather
// than failing startup, and a missing disclaimers catalog is warned once
// and tolerated.
func Load(ctx context.Context, logger commons.Logger, dir string) (*Catalog, error) {
	catalog := &Catalog{}
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		facts, err := loadFacts(resolvePath(dir, FactsFile))
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warnw("facts catalog unavailable, retrieval will serve empty packs",
				"file", FactsFile, "error", err)
			catalog.FactsReady = false
			return nil
		}
		catalog.Facts = facts
		catalog.FactsReady = true
		return nil
	})

	g.Go(func() error {
		disclaimers, err := loadDisclaimers(resolvePath(dir, DisclaimersFile))
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warnw("disclaimers catalog unavailable",
				"file", DisclaimersFile, "error", err)
			return nil
		}
		catalog.Disclaimers = disclaimers
		return nil
	})

	g.Go(func() error {
		claims, disallowed, err := loadClaims(resolvePath(dir, ClaimsFile))
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warnw("approved-claims catalog unavailable",
				"file", ClaimsFile, "error", err)
			return nil
		}
		catalog.Claims = claims
		catalog.DisallowedPatterns = disallowed
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	catalog.Freeze()
	logger.Infow("knowledge catalogs loaded",
		"facts", len(catalog.Facts),
		"disclaimers", len(catalog.Disclaimers),
		"claims", len(catalog.Claims),
		"disallowedPatterns", len(catalog.DisallowedPatterns),
		"factsReady", catalog.FactsReady)
	return catalog, nil
}

// resolvePath prefers dir/name, then dir/../knowledge/name.
func resolvePath(dir, name string) string {
	primary := filepath.Join(dir, name)
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	parent := filepath.Join(dir, "..", "knowledge", name)
	if _, err := os.Stat(parent); err == nil {
		return parent
	}
	return primary
}

// loadFacts parses a JSON-lines catalog, skipping blank lines.
func loadFacts(path string) ([]Fact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open facts catalog: %w", err)
	}
	defer f.Close()

	var facts []Fact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var fact Fact
		if err := json.Unmarshal(raw, &fact); err != nil {
			return nil, fmt.Errorf("invalid fact at line %d: %w", line, err)
		}
		facts = append(facts, fact)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read facts catalog: %w", err)
	}
	return facts, nil
}

func loadDisclaimers(path string) ([]Disclaimer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read disclaimers catalog: %w", err)
	}
	var doc struct {
		Disclaimers []Disclaimer `json:"disclaimers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid disclaimers catalog: %w", err)
	}
	return doc.Disclaimers, nil
}

// loadClaims accepts either "allowed_claims" or the legacy "claims" key,
// and claim text under either "claim" or "text".
func loadClaims(path string) ([]ApprovedClaim, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read claims catalog: %w", err)
	}
	var doc struct {
		AllowedClaims      []json.RawMessage `json:"allowed_claims"`
		Claims             []json.RawMessage `json:"claims"`
		DisallowedPatterns []string          `json:"disallowed_patterns"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("invalid claims catalog: %w", err)
	}

	entries := doc.AllowedClaims
	if len(entries) == 0 {
		entries = doc.Claims
	}

	claims := make([]ApprovedClaim, 0, len(entries))
	for i, entry := range entries {
		var rec struct {
			ApprovedClaim
			Claim string `json:"claim"`
		}
		if err := json.Unmarshal(entry, &rec); err != nil {
			return nil, nil, fmt.Errorf("invalid claim at index %d: %w", i, err)
		}
		claim := rec.ApprovedClaim
		if claim.Text == "" {
			claim.Text = rec.Claim
		}
		claims = append(claims, claim)
	}
	return claims, doc.DisallowedPatterns, nil
}
