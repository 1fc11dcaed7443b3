// Package types provides shared type definitions for notesearch.
//
// This package defines the domain types used across components: the indexed
// Document, search modes, filters and weights, and ranked SearchResults.
//
// # Documents
//
// A Document is one note as the document store reports it. Normalize
// canonicalizes tags, status and type and fills ContentHash; Validate rejects
// documents that cannot be indexed:
//
//	doc := &types.Document{
//	    ID:    "work/standup",
//	    Title: "Daily Standup",
//	    Body:  "Discussed the release.",
//	    Tags:  []string{"Work", "#meetings"},
//	}
//	doc.Normalize() // Tags: [meetings work], Status: active
//	if err := doc.Validate(); err != nil {
//	    return err
//	}
//
// The content hash covers the text that is embedded: the normalized body, or
// the title of a note without a body. Retitling a note that has a body never
// invalidates its embedding.
//
// # Search Results
//
// SearchResult carries per-source scores next to the fused score:
//
//	result := types.SearchResult{
//	    DocumentID:    "work/standup",
//	    Rank:          1,
//	    KeywordScore:  7.2,  // BM25
//	    SemanticScore: 0.81, // cosine
//	    FusedScore:    0.0325,
//	    MatchType:     types.MatchBoth,
//	}
//
// Degraded flags such as FlagSemanticTimeout name the part of a search that
// was skipped.
package types
