// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

func writeKnowledgeDir(t *testing.T, facts, disclaimers, claims string) string {
	t.Helper()
	dir := t.TempDir()
	if facts != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FactsFile), []byte(facts), 0o644))
	}
	if disclaimers != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, DisclaimersFile), []byte(disclaimers), 0o644))
	}
	if claims != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ClaimsFile), []byte(claims), 0o644))
	}
	return dir
}

const sampleFacts = `{"id":"NXTG-001","text":"fact one","source":"docs","timestamp":"2025-01-01","category":"performance"}

{"id":"NXTG-002","text":"fact two","source":"docs","timestamp":"2025-01-02"}
`

const sampleDisclaimers = `{"disclaimers":[
	{"id":"disc-1","text":"General.","required_for":["all_sessions"]},
	{"id":"disc-2","text":"Perf.","category":"performance","required_for":["performance_claims"]}
]}`

const sampleClaims = `{
	"allowed_claims":[
		{"id":"CLAIM-001","claim":"Our product is FDA approved","required_disclaimer_id":"disc-1"},
		{"id":"CLAIM-002","text":"Latency is low","required_disclaimer_ids":["disc-2"]}
	],
	"disallowed_patterns":["guaranteed cure"]
}`

func TestLoad_AllCatalogs(t *testing.T) {
	dir := writeKnowledgeDir(t, sampleFacts, sampleDisclaimers, sampleClaims)
	catalog, err := Load(context.Background(), commons.NewNopLogger(), dir)
	require.NoError(t, err)

	assert.True(t, catalog.FactsReady)
	require.Len(t, catalog.Facts, 2)
	assert.Equal(t, "NXTG-001", catalog.Facts[0].ID)
	assert.Equal(t, "performance", catalog.Facts[0].Category)

	require.Len(t, catalog.Disclaimers, 2)
	assert.Equal(t, "General.", catalog.DisclaimerByID("disc-1").Text)
	assert.Nil(t, catalog.DisclaimerByID("missing"))

	require.Len(t, catalog.Claims, 2)
	// "claim" and "text" keys are both accepted.
	assert.Equal(t, "Our product is FDA approved", catalog.Claims[0].Text)
	assert.Equal(t, "Latency is low", catalog.Claims[1].Text)
	assert.Equal(t, []string{"guaranteed cure"}, catalog.DisallowedPatterns)
}

func TestLoad_MissingFactsNotReady(t *testing.T) {
	dir := writeKnowledgeDir(t, "", sampleDisclaimers, sampleClaims)
	catalog, err := Load(context.Background(), commons.NewNopLogger(), dir)
	require.NoError(t, err)
	assert.False(t, catalog.FactsReady)
	assert.Empty(t, catalog.Facts)
	assert.Len(t, catalog.Disclaimers, 2, "other catalogs still load")
}

func TestLoad_MissingDisclaimersTolerated(t *testing.T) {
	dir := writeKnowledgeDir(t, sampleFacts, "", sampleClaims)
	catalog, err := Load(context.Background(), commons.NewNopLogger(), dir)
	require.NoError(t, err)
	assert.True(t, catalog.FactsReady)
	assert.Empty(t, catalog.Disclaimers)
}

func TestLoad_LegacyClaimsKey(t *testing.T) {
	legacy := `{"claims":[{"id":"CLAIM-003","claim":"Something vetted"}]}`
	dir := writeKnowledgeDir(t, sampleFacts, "", legacy)
	catalog, err := Load(context.Background(), commons.NewNopLogger(), dir)
	require.NoError(t, err)
	require.Len(t, catalog.Claims, 1)
	assert.Equal(t, "Something vetted", catalog.Claims[0].Text)
}

func TestLoad_ParentDirectoryFallback(t *testing.T) {
	parent := t.TempDir()
	knowledgeDir := filepath.Join(parent, "knowledge")
	require.NoError(t, os.Mkdir(knowledgeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(knowledgeDir, FactsFile), []byte(sampleFacts), 0o644))

	// Resolve from a sibling working directory: dir/../knowledge hits.
	workDir := filepath.Join(parent, "service")
	require.NoError(t, os.Mkdir(workDir, 0o755))

	catalog, err := Load(context.Background(), commons.NewNopLogger(), workDir)
	require.NoError(t, err)
	assert.True(t, catalog.FactsReady)
	assert.Len(t, catalog.Facts, 2)
}

func TestApprovedClaim_DisclaimerIDs(t *testing.T) {
	claim := ApprovedClaim{
		RequiredDisclaimerID:  "disc-1",
		RequiredDisclaimerIDs: []string{"disc-1", "disc-2", ""},
	}
	assert.Equal(t, []string{"disc-1", "disc-2"}, claim.DisclaimerIDs())
}
