// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_retrieval

import (
	"encoding/json"
	"strings"

	internal_knowledge "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/knowledge"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

const (
	// DefaultTopic is used when the query is empty.
	DefaultTopic = "NextGen AI"

	// MaxTopicLength bounds the topic field of a facts pack.
	MaxTopicLength = 120

	// allSessionsRequirement marks disclaimers included in every pack.
	allSessionsRequirement = "all_sessions"

	// performanceRequirement is implied by performance/latency queries.
	performanceRequirement = "performance_claims"
)

// Caps bounds the size of a retrieved facts pack.
type Caps struct {
	TopK      int
	MaxTokens int
	MaxBytes  int
}

// DefaultCaps are conservative enough for realtime instruction injection.
func DefaultCaps() Caps {
	return Caps{TopK: 5, MaxTokens: 600, MaxBytes: 4096}
}

// PackFact is a fact as serialized inside a facts pack.
type PackFact struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// FactsPack is the capped JSON bundle injected as response instructions.
type FactsPack struct {
	Topic       string     `json:"topic"`
	Facts       []PackFact `json:"facts"`
	Disclaimers []string   `json:"disclaimers"`
}

// Result is a retrieved fact with its similarity score.
type Result struct {
	Fact  internal_knowledge.Fact
	Score float64
}

// Service answers similarity queries over the frozen facts catalog and
// assembles budget-bounded facts packs. It is shared read-only across
// sessions; all state is built in NewService and never mutated.
type Service struct {
	logger  commons.Logger
	catalog *internal_knowledge.Catalog
	index   *tfidfIndex
}

// NewService indexes the catalog's facts. A not-ready catalog produces a
// service that serves empty packs.
func NewService(logger commons.Logger, catalog *internal_knowledge.Catalog) *Service {
	s := &Service{logger: logger, catalog: catalog}
	if catalog != nil && catalog.FactsReady {
		texts := make([]string, len(catalog.Facts))
		for i, fact := range catalog.Facts {
			texts[i] = fact.Text
		}
		s.index = buildIndex(texts)
	}
	return s
}

// Ready reports whether the facts catalog loaded successfully.
func (s *Service) Ready() bool {
	return s.catalog != nil && s.catalog.FactsReady
}

// Search returns the topK facts most similar to the query, best first.
func (s *Service) Search(query string, topK int) []Result {
	if !s.Ready() || s.index == nil {
		return nil
	}
	hits := s.index.query(query, topK)
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			Fact:  s.catalog.Facts[hit.doc],
			Score: hit.score,
		})
	}
	return results
}

// RetrieveFactsPack searches for the query and assembles a pack within caps.
// Facts are admitted in score order only while the pack still fits; the
// final trim pops facts, then disclaimers, then halves the topic.
func (s *Service) RetrieveFactsPack(query string, caps Caps) FactsPack {
	topic := strings.TrimSpace(query)
	if topic == "" {
		topic = DefaultTopic
	}
	if len(topic) > MaxTopicLength {
		topic = topic[:MaxTopicLength]
	}

	if !s.Ready() {
		return FactsPack{Topic: DefaultTopic, Facts: []PackFact{}, Disclaimers: []string{}}
	}

	pack := FactsPack{
		Topic:       topic,
		Facts:       []PackFact{},
		Disclaimers: []string{},
	}

	candidates := s.Search(query, caps.TopK)
	pack.Disclaimers = s.impliedDisclaimers(query, candidates)

	// If even the fact-less pack busts the caps, the disclaimers go first.
	if !fitsCaps(pack, caps) {
		pack.Disclaimers = []string{}
	}

	for _, candidate := range candidates {
		next := pack
		next.Facts = append(append([]PackFact{}, pack.Facts...), PackFact{
			ID:        candidate.Fact.ID,
			Text:      candidate.Fact.Text,
			Source:    candidate.Fact.Source,
			Timestamp: candidate.Fact.Timestamp,
		})
		if fitsCaps(next, caps) {
			pack = next
		}
	}

	return trimToCaps(pack, caps)
}

// impliedDisclaimers resolves the disclaimer IDs required by (a) the
// always-on all_sessions bucket, (b) performance/latency query keywords,
// and (c) each candidate fact's category.
func (s *Service) impliedDisclaimers(query string, candidates []Result) []string {
	requirements := map[string]struct{}{allSessionsRequirement: {}}

	lowered := strings.ToLower(query)
	if strings.Contains(lowered, "performance") || strings.Contains(lowered, "latency") {
		requirements[performanceRequirement] = struct{}{}
	}
	for _, candidate := range candidates {
		if candidate.Fact.Category != "" {
			requirements[candidate.Fact.Category] = struct{}{}
		}
	}

	ids := []string{}
	seen := map[string]struct{}{}
	for _, disclaimer := range s.catalog.Disclaimers {
		for _, requirement := range disclaimer.RequiredFor {
			if _, needed := requirements[requirement]; !needed {
				continue
			}
			if _, dup := seen[disclaimer.ID]; dup {
				continue
			}
			seen[disclaimer.ID] = struct{}{}
			ids = append(ids, disclaimer.ID)
		}
	}
	return ids
}

// fitsCaps checks both the byte cap (UTF-8 length of the serialized pack)
// and the approximate token cap (⌈chars/4⌉).
func fitsCaps(pack FactsPack, caps Caps) bool {
	serialized, err := json.Marshal(pack)
	if err != nil {
		return false
	}
	if caps.MaxBytes > 0 && len(serialized) > caps.MaxBytes {
		return false
	}
	if caps.MaxTokens > 0 {
		chars := len([]rune(string(serialized)))
		tokens := (chars + 3) / 4
		if tokens > caps.MaxTokens {
			return false
		}
	}
	return true
}

// trimToCaps is the safety net for packs that still exceed the caps after
// incremental assembly: pop facts, then disclaimers, then halve the topic.
func trimToCaps(pack FactsPack, caps Caps) FactsPack {
	for !fitsCaps(pack, caps) && len(pack.Facts) > 0 {
		pack.Facts = pack.Facts[:len(pack.Facts)-1]
	}
	for !fitsCaps(pack, caps) && len(pack.Disclaimers) > 0 {
		pack.Disclaimers = pack.Disclaimers[:len(pack.Disclaimers)-1]
	}
	for !fitsCaps(pack, caps) && len(pack.Topic) > 1 {
		pack.Topic = pack.Topic[:len(pack.Topic)/2]
	}
	return pack
}
