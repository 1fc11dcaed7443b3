package storage

import (
	"time"
)

// JobStatus is the lifecycle state of an embedding job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobComplete, JobFailed:
		return true
	}
	return false
}

// Embedding is the current vector for a document under one model
type Embedding struct {
	DocumentID  string
	ModelName   string
	Dims        int
	Vector      []float32
	ContentHash string
	CreatedAt   time.Time
}

// Job is one row of the embedding work queue
type Job struct {
	ID            int64
	DocumentID    string
	ContentHash   string
	Status        JobStatus
	Attempts      int
	LastError     string
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
	NextAttemptAt time.Time
}

// Active reports whether the job still holds the per-document slot
func (j *Job) Active() bool {
	return j.Status == JobPending || j.Status == JobProcessing
}

// EnqueueResult describes what Enqueue did with a request
type EnqueueResult int

const (
	EnqueueCreated    EnqueueResult = iota // New pending job inserted
	EnqueueSuperseded                      // Pending job now targets the new hash
	EnqueueRequeued                        // Processing job will be re-queued on completion
	EnqueueSkipped                         // Nothing to do
)

// CompleteResult describes how a finished attempt was applied
type CompleteResult int

const (
	CompleteApplied  CompleteResult = iota // Embedding stored, job complete
	CompleteRequeued                       // Content changed mid-flight, job back to pending
	CompleteDropped                        // Job or document vanished, embedding discarded
)

// KeywordRow is one full-text match
type KeywordRow struct {
	DocumentID string
	Title      string
	Body       string
	Score      float64 // Negated BM25, higher is better
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	DocumentID string
	Similarity float64
	UpdatedAt  time.Time
}

// BM25Weights are the per-column weights of the full-text ranking
type BM25Weights struct {
	Title float64
	Body  float64
	Tags  float64
}

// DefaultBM25Weights favors titles, then tags, then body text
func DefaultBM25Weights() BM25Weights {
	return BM25Weights{Title: 10, Body: 1, Tags: 5}
}

// SearchEvent is one persisted analytics record
type SearchEvent struct {
	ID                string
	QueryText         string
	Mode              string
	ResultCount       int
	LatencyMs         int64
	DegradedFlags     []string
	ClickedDocumentID string
	ClickedAt         time.Time
	CreatedAt         time.Time
}

// Stats summarizes what the index holds
type Stats struct {
	Documents     int
	Embeddings    int
	Jobs          map[JobStatus]int
	IndexSizeMB   float64
	SchemaVersion string
}
