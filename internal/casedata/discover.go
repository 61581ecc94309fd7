package casedata

import (
	"context"

	"casesync/internal/metrics"
)

// DiscoverProperties pages exhaustively through the case feed for one case
// type and returns every property name observed, de-duplicated, in
// first-seen order. A window with no matching records yields an empty list
// and no error. A property counts even when its value is empty on every
// record; the downstream export tool's habit of dropping all-empty columns
// is its own quirk, surfaced elsewhere, not compensated for here.
func (c *Client) DiscoverProperties(ctx context.Context, caseType string, win Window) ([]string, error) {
	seen := make(map[string]bool)
	var ordered []string

	err := c.scan(ctx, caseType, win, func(_ string, props []string) {
		for _, p := range props {
			if !seen[p] {
				seen[p] = true
				ordered = append(ordered, p)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

// DiscoverAll makes one exhaustive unfiltered pass over the case feed and
// groups observed property names by the case type each record reports.
// Returns the per-type property lists (first-seen order within each type)
// and the case types in first-seen order. Records with no case type are
// dropped.
func (c *Client) DiscoverAll(ctx context.Context, win Window) (map[string][]string, []string, error) {
	seen := make(map[string]map[string]bool)
	props := make(map[string][]string)
	var types []string

	err := c.scan(ctx, "", win, func(caseType string, recordProps []string) {
		if caseType == "" {
			return
		}
		typeSeen := seen[caseType]
		if typeSeen == nil {
			typeSeen = make(map[string]bool)
			seen[caseType] = typeSeen
			types = append(types, caseType)
		}
		for _, p := range recordProps {
			if !typeSeen[p] {
				typeSeen[p] = true
				props[caseType] = append(props[caseType], p)
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return props, types, nil
}

// scan drives pagination: offset advances by the page's record count until a
// page comes back short.
func (c *Client) scan(ctx context.Context, caseType string, win Window, onRecord recordFunc) error {
	size := c.pageSize()
	offset := 0
	pages := 0
	for {
		n, err := c.fetchPage(ctx, caseType, win, offset, onRecord)
		if err != nil {
			return err
		}
		pages++
		offset += n
		if n < size {
			c.logf("stage=discovery case_type=%s pages=%d records=%d", caseType, pages, offset)
			label := caseType
			if label == "" {
				label = "all"
			}
			metrics.IncCounter("sync_pages_total", float64(pages), metrics.Labels{"case_type": label})
			metrics.IncCounter("sync_cases_total", float64(offset), metrics.Labels{"case_type": label})
			return nil
		}
	}
}
