package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/store"
)

// MaxBatchSize caps how many emails one batch call may touch.
const MaxBatchSize = 100

// BatchResult reports a batch outcome. Success means every item
// succeeded; Count is how many did. Failed lists the email ids that
// did not, with Errors carrying the matching messages.
type BatchResult struct {
	Success bool     `json:"success"`
	Count   int      `json:"count"`
	Failed  []int64  `json:"failed,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Batch applies one operation to many emails. Oversized batches are
// rejected before any work happens. Items are grouped by account and
// the groups run concurrently; within a group items run in order, and
// one item's failure never aborts the rest.
func (e *Engine) Batch(ctx context.Context, op string, emailIDs []int64) (*BatchResult, error) {
	if len(emailIDs) == 0 {
		return &BatchResult{Success: true}, nil
	}
	if len(emailIDs) > MaxBatchSize {
		return nil, &provider.ValidationError{
			Field:  "emailIds",
			Reason: fmt.Sprintf("batch of %d exceeds limit of %d", len(emailIDs), MaxBatchSize),
		}
	}

	result := &BatchResult{}
	var mu sync.Mutex
	fail := func(id int64, err error) {
		mu.Lock()
		result.Failed = append(result.Failed, id)
		result.Errors = append(result.Errors, err.Error())
		mu.Unlock()
	}
	ok := func() {
		mu.Lock()
		result.Count++
		mu.Unlock()
	}

	// Resolve rows up front; an id that does not exist is an item
	// failure, not a batch failure.
	groups := make(map[string][]*store.Email)
	for _, id := range emailIDs {
		email, err := e.store.GetEmail(ctx, id)
		if err != nil {
			fail(id, err)
			continue
		}
		groups[email.AccountID] = append(groups[email.AccountID], email)
	}

	g, gctx := errgroup.WithContext(ctx)
	for accountID, emails := range groups {
		accountID, emails := accountID, emails
		g.Go(func() error {
			p, err := e.resolver.Get(gctx, accountID)
			if err != nil {
				for _, email := range emails {
					fail(email.ID, err)
				}
				return nil
			}
			for _, email := range emails {
				if err := e.apply(gctx, p, op, email); err != nil {
					fail(email.ID, err)
				} else {
					ok()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Success = len(result.Failed) == 0
	return result, nil
}
