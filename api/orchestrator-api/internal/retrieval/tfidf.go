// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_retrieval

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// tokenize lowercases, strips non-alphanumeric runes, and drops stopwords
// and single-character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, tok := range fields {
		if len(tok) <= 1 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

type indexedDocument struct {
	weights map[string]float64
	norm    float64
}

// tfidfIndex holds precomputed document vectors. Built once, then read-only.
type tfidfIndex struct {
	documents []indexedDocument
	idf       map[string]float64
}

// buildIndex computes tf-idf weights and L2 norms for each document.
//
//	tf  = count / total tokens in document
//	idf = ln((1+N)/(1+df)) + 1
func buildIndex(texts []string) *tfidfIndex {
	n := len(texts)
	tokenized := make([][]string, n)
	df := make(map[string]int)
	for i, text := range texts {
		tokenized[i] = tokenize(text)
		seen := make(map[string]struct{}, len(tokenized[i]))
		for _, tok := range tokenized[i] {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				df[tok]++
			}
		}
	}

	idf := make(map[string]float64, len(df))
	for tok, count := range df {
		idf[tok] = math.Log(float64(1+n)/float64(1+count)) + 1
	}

	index := &tfidfIndex{
		documents: make([]indexedDocument, n),
		idf:       idf,
	}
	for i, tokens := range tokenized {
		weights := make(map[string]float64, len(tokens))
		if len(tokens) > 0 {
			counts := make(map[string]int, len(tokens))
			for _, tok := range tokens {
				counts[tok]++
			}
			total := float64(len(tokens))
			for tok, count := range counts {
				weights[tok] = (float64(count) / total) * idf[tok]
			}
		}
		norm := 0.0
		for _, w := range weights {
			norm += w * w
		}
		index.documents[i] = indexedDocument{
			weights: weights,
			norm:    math.Sqrt(norm),
		}
	}
	return index
}

// scored pairs a document index with its cosine similarity to the query.
type scored struct {
	doc   int
	score float64
}

// query vectorizes the query using the existing idf table and returns the
// topK documents by descending cosine similarity. Only strictly positive
// scores are returned.
func (x *tfidfIndex) query(text string, topK int) []scored {
	tokens := tokenize(text)
	if len(tokens) == 0 || topK <= 0 {
		return nil
	}

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	total := float64(len(tokens))
	queryWeights := make(map[string]float64, len(counts))
	queryNorm := 0.0
	for tok, count := range counts {
		idf, known := x.idf[tok]
		if !known {
			continue
		}
		w := (float64(count) / total) * idf
		queryWeights[tok] = w
		queryNorm += w * w
	}
	if queryNorm == 0 {
		return nil
	}
	queryNorm = math.Sqrt(queryNorm)

	results := make([]scored, 0, len(x.documents))
	for i, doc := range x.documents {
		if doc.norm == 0 {
			continue
		}
		dot := 0.0
		for tok, qw := range queryWeights {
			if dw, ok := doc.weights[tok]; ok {
				dot += qw * dw
			}
		}
		if dot <= 0 {
			continue
		}
		results = append(results, scored{doc: i, score: dot / (queryNorm * doc.norm)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
