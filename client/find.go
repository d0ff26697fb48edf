package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/go-dispense/dispense"
)

// FindItem resolves a user supplied item name against the catalog,
// fetching it first if necessary. query may be a catalog index, an item
// reference such as "coke:3", or a case-insensitive prefix of exactly one
// item description.
func (c *Client) FindItem(ctx context.Context, query string) (dispense.Item, error) {
	c.mu.Lock()
	empty := len(c.catalog) == 0
	c.mu.Unlock()

	if empty {
		if _, err := c.FetchCatalog(ctx); err != nil {
			return dispense.Item{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return findItem(c.catalog, query)
}

func findItem(items []dispense.Item, query string) (dispense.Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return dispense.Item{}, fmt.Errorf("%w: empty query", ErrItemNotFound)
	}

	if idx, err := strconv.Atoi(query); err == nil {
		if idx < 0 || idx >= len(items) {
			return dispense.Item{}, fmt.Errorf("%w: index %d", ErrItemNotFound, idx)
		}
		return items[idx], nil
	}

	if ref, err := dispense.ParseItemRef(query); err == nil {
		for _, item := range items {
			if item.Ref() == ref {
				return item, nil
			}
		}
		return dispense.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, ref)
	}

	lower := strings.ToLower(query)
	var matches []dispense.Item
	for _, item := range items {
		desc := strings.ToLower(item.Description)
		if desc == lower {
			return item, nil
		}
		if strings.HasPrefix(desc, lower) {
			matches = append(matches, item)
		}
	}

	switch len(matches) {
	case 0:
		return dispense.Item{}, fmt.Errorf("%w: %q", ErrItemNotFound, query)
	case 1:
		return matches[0], nil
	default:
		return dispense.Item{}, fmt.Errorf("%w: %q matches %d items", ErrAmbiguousItem, query, len(matches))
	}
}
