package dedup

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "dedup",
}

// Decision is the outcome of Admit.
type Decision int

const (
	// Accepted means the embedding was new and has been added to the history.
	Accepted Decision = iota
	// Duplicate means a stored embedding was too similar; nothing was stored.
	Duplicate
	// Skipped means there was no embedding to compare.
	Skipped
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Deduplicator decides whether a face embedding is new relative to a bounded
// history of recently accepted embeddings.
type Deduplicator struct {
	mu        sync.Mutex
	history   *History
	tolerance float64
	threshold float64
}

// New creates a Deduplicator. Two embeddings are the same face when their
// cosine similarity exceeds 1 - tolerance. tolerance is clamped to [0,1].
func New(tolerance float64, historySize int) *Deduplicator {
	if tolerance < 0 {
		tolerance = 0
	}
	if tolerance > 1 {
		tolerance = 1
	}
	return &Deduplicator{
		history:   NewHistory(historySize),
		tolerance: tolerance,
		threshold: 1 - tolerance,
	}
}

// Threshold returns the similarity above which a face counts as a duplicate.
func (d *Deduplicator) Threshold() float64 {
	return d.threshold
}

// Admit compares embedding against the history and stores it when it is new.
func (d *Deduplicator) Admit(embedding []float32) Decision {
	if embedding == nil {
		return Skipped
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if isZero(embedding) {
		log.WithFields(logFields).Warn("Zero-norm embedding cannot be compared, treating it as new")
		return Accepted
	}

	duplicate := false
	d.history.Each(func(stored []float32) bool {
		sim, ok := CosineSimilarity(embedding, stored)
		if !ok {
			log.WithFields(logFields).Debugf("Skipping incomparable history entry (len %d vs %d)", len(stored), len(embedding))
			return true
		}
		if sim > d.threshold {
			duplicate = true
			return false
		}
		return true
	})

	if duplicate {
		return Duplicate
	}

	d.history.Add(embedding)
	return Accepted
}

// Len returns the current history size.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Len()
}
