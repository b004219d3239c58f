// Package vector defines the vector index contract used for semantic lookup
// of execution history and failure precedents. The orchestrator consumes the
// index through this interface only; backends plug in at the composition root.
package vector

import "context"

type (
	// Document is a single indexed item.
	Document struct {
		// ID uniquely identifies the document.
		ID string
		// UserID scopes the document to a user for bulk deletion.
		UserID string
		// Embedding is the document vector.
		Embedding []float32
		// Metadata carries filterable attributes.
		Metadata map[string]string
	}

	// Match is a search hit with its similarity score.
	Match struct {
		Document Document
		Score    float64
	}

	// Query describes a similarity search.
	Query struct {
		// Embedding is the query vector.
		Embedding []float32
		// Filter restricts matches to documents whose metadata contains all
		// the given key/value pairs. Nil means no filter.
		Filter map[string]string
		// TopK bounds the number of matches returned.
		TopK int
		// MinScore drops matches scoring below the threshold.
		MinScore float64
	}

	// Stats summarizes index contents.
	Stats struct {
		Documents int
		Dimension int
	}

	// Index is the vector store contract.
	Index interface {
		Add(ctx context.Context, docs ...Document) error
		Search(ctx context.Context, q Query) ([]Match, error)
		Delete(ctx context.Context, ids ...string) error
		DeleteByUser(ctx context.Context, userID string) error
		Stats(ctx context.Context) (Stats, error)
	}
)
