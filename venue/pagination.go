package venue

import (
	"context"
	"log"
	"net/url"
	"strconv"
	"sync"

	"tradingengine/ratelimit"
)

const (
	pageSize = 500

	// activityBatchConcurrency is how many activity pages are in flight at
	// once during a bulk fetch.
	activityBatchConcurrency = 10
)

// ActivityProgressFunc reports bulk-fetch progress: the completed batch
// number, the total batch count, and the activities fetched so far.
type ActivityProgressFunc func(batch, totalBatches int, activities []ActivityItem)

// GetPositions returns all open positions for a wallet, paging with
// offset/limit and stopping on the first short page.
func (c *Client) GetPositions(ctx context.Context, user string) ([]PositionItem, error) {
	return c.pagedPositions(ctx, "/positions", user)
}

// GetClosedPositions returns all closed positions for a wallet.
func (c *Client) GetClosedPositions(ctx context.Context, user string) ([]PositionItem, error) {
	return c.pagedPositions(ctx, "/closed-positions", user)
}

func (c *Client) pagedPositions(ctx context.Context, path, user string) ([]PositionItem, error) {
	var all []PositionItem
	offset := 0

	for {
		q := url.Values{}
		q.Set("user", user)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page []PositionItem
		if err := c.getJSON(ctx, ratelimit.BucketData, c.dataURL, path, q, false, &page); err != nil {
			return all, err
		}

		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		offset += pageSize
	}
}

// FetchAllActivity fetches up to max activity items for a wallet. It first
// probes with one blocking request; if the first page is short it is
// returned as-is. Otherwise the remaining pages are issued in rolling
// batches of 10 concurrent requests, stopping early on the first short page
// any batch returns. Transport failures inside a batch return the partially
// fetched set rather than dropping all progress.
func (c *Client) FetchAllActivity(ctx context.Context, user string, max int, progress ActivityProgressFunc) ([]ActivityItem, error) {
	if max <= 0 {
		max = pageSize
	}

	first, err := c.GetActivityPage(ctx, user, pageSize, 0)
	if err != nil {
		return nil, err
	}
	if len(first) < pageSize || max <= pageSize {
		return first, nil
	}

	totalPages := (max + pageSize - 1) / pageSize
	totalBatches := (totalPages - 1 + activityBatchConcurrency - 1) / activityBatchConcurrency

	all := first
	page := 1

	for batch := 1; batch <= totalBatches; batch++ {
		n := activityBatchConcurrency
		if page+n > totalPages {
			n = totalPages - page
		}
		if n <= 0 {
			break
		}

		results := make([][]ActivityItem, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i, pageIdx int) {
				defer wg.Done()
				items, err := c.GetActivityPage(ctx, user, pageSize, pageIdx*pageSize)
				results[i] = items
				errs[i] = err
			}(i, page+i)
		}
		wg.Wait()
		page += n

		short := false
		for i := 0; i < n; i++ {
			if errs[i] != nil {
				// Keep what we have; activity polling tolerates gaps.
				log.Printf("[Venue] activity page fetch failed: %v", errs[i])
				short = true
				continue
			}
			all = append(all, results[i]...)
			if len(results[i]) < pageSize {
				short = true
			}
		}

		if progress != nil {
			progress(batch, totalBatches, all)
		}
		if short {
			break
		}
	}

	if len(all) > max {
		all = all[:max]
	}
	return all, nil
}
