package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/teranos/portal/errors"
)

// JobQuery selects a page of one organization's jobs
type JobQuery struct {
	Organization uuid.UUID
	HandlerName  string // Optional filter
	Offset       int
	Limit        int // 0 means no limit
}

// QueryResult is one page of jobs plus the total number of matches
type QueryResult struct {
	Jobs   []*Job
	Total  int
	Offset int
}

// NextOffset returns the offset of the following page, false on the last page
func (r *QueryResult) NextOffset() (int, bool) {
	next := r.Offset + len(r.Jobs)
	if len(r.Jobs) == 0 || next >= r.Total {
		return 0, false
	}
	return next, true
}

// Execute runs the query against repo
func (q JobQuery) Execute(ctx context.Context, repo Repository) (*QueryResult, error) {
	return repo.Query(ctx, q)
}

// validate checks the bounds callers are expected to clamp
func (q JobQuery) validate() error {
	if q.Offset < 0 || q.Limit < 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "offset %d and limit %d must not be negative", q.Offset, q.Limit)
	}
	return nil
}

// page slices matches per the query
func (q JobQuery) page(matches []*Job) *QueryResult {
	result := &QueryResult{Total: len(matches), Offset: q.Offset}
	if q.Offset >= len(matches) {
		result.Jobs = []*Job{}
		return result
	}
	end := len(matches)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	result.Jobs = matches[q.Offset:end]
	return result
}
