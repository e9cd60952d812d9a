// Package ml hosts the local naive-Bayes categorizer. It trains on
// trusted history (manual decisions and high-confidence cache replays)
// and answers before any model call is spent.
package ml

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/navossoc/bayesian"
	"go.uber.org/zap"
)

// Classifier wraps a bayesian classifier retrained from expense history.
// The trained instance is swapped atomically under the mutex; a retrain
// never blocks reads against the old instance.
type Classifier struct {
	db          *sql.DB
	logger      *zap.Logger
	minExamples int

	mu        sync.RWMutex
	cls       *bayesian.Classifier
	classes   []bayesian.Class
	version   int
	trainedAt time.Time
}

// NewClassifier creates an untrained classifier. Until Train succeeds
// every Classify call answers with confidence 0.
func NewClassifier(db *sql.DB, minExamples int, logger *zap.Logger) *Classifier {
	if minExamples <= 0 {
		minExamples = 10
	}
	return &Classifier{db: db, logger: logger, minExamples: minExamples}
}

// Version returns the current model version (0 = untrained).
func (c *Classifier) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Train rebuilds the model from scratch off trusted expense history.
// An empty or single-class trainset leaves the previous model in place.
func (c *Classifier) Train(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT description, account_id, COALESCE((SELECT stage FROM projects WHERE id = project_id), '')
		FROM expenses
		WHERE deleted = 0
		  AND account_id != ''
		  AND description != ''
		  AND (source = 'manual' OR (source = 'cache' AND confidence >= 90))`)
	if err != nil {
		return fmt.Errorf("failed to load training examples: %w", err)
	}
	defer rows.Close()

	type example struct {
		tokens  []string
		account string
	}
	var examples []example
	classSet := map[string]bool{}
	for rows.Next() {
		var desc, account, stage string
		if err := rows.Scan(&desc, &account, &stage); err != nil {
			return fmt.Errorf("failed to scan training example: %w", err)
		}
		examples = append(examples, example{tokens: Tokenize(desc, stage), account: account})
		classSet[account] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate training examples: %w", err)
	}

	if len(examples) < c.minExamples || len(classSet) < 2 {
		c.logger.Info("classifier trainset too small, keeping previous model",
			zap.Int("examples", len(examples)),
			zap.Int("classes", len(classSet)))
		return nil
	}

	classes := make([]bayesian.Class, 0, len(classSet))
	for account := range classSet {
		classes = append(classes, bayesian.Class(account))
	}
	cls := bayesian.NewClassifier(classes...)
	for _, ex := range examples {
		cls.Learn(ex.tokens, bayesian.Class(ex.account))
	}

	c.mu.Lock()
	c.cls = cls
	c.classes = classes
	c.version++
	c.trainedAt = time.Now()
	version := c.version
	c.mu.Unlock()

	c.logger.Info("classifier retrained",
		zap.Int("version", version),
		zap.Int("examples", len(examples)),
		zap.Int("classes", len(classes)))
	return nil
}

// Classify scores a description. Confidence is derived from the margin
// between the best and runner-up class probabilities, scaled to 0-100.
func (c *Classifier) Classify(description, stage string) (accountID string, confidence int) {
	c.mu.RLock()
	cls := c.cls
	classes := c.classes
	c.mu.RUnlock()

	if cls == nil {
		return "", 0
	}

	probs, best, _ := cls.ProbScores(Tokenize(description, stage))
	top, second := 0.0, 0.0
	for i, p := range probs {
		if i == best {
			top = p
		} else if p > second {
			second = p
		}
	}
	margin := top - second
	if margin < 0 {
		margin = 0
	}
	return string(classes[best]), int(margin * 100)
}

// Tokenize lowercases a description into word unigrams and bigrams and
// appends the stage as its own feature.
func Tokenize(description, stage string) []string {
	words := strings.Fields(strings.ToLower(description))
	tokens := make([]string, 0, len(words)*2+1)
	for i, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" {
			continue
		}
		tokens = append(tokens, w)
		if i+1 < len(words) {
			next := strings.Trim(strings.ToLower(words[i+1]), ".,;:!?\"'()")
			if next != "" {
				tokens = append(tokens, w+"_"+next)
			}
		}
	}
	if stage != "" {
		tokens = append(tokens, "stage:"+strings.ToLower(stage))
	}
	return tokens
}
