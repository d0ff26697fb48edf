package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/go-dispense/dispense"
)

// CatalogItem is an item offered by the server.
type CatalogItem struct {
	Ref         dispense.ItemRef
	Price       int
	Description string
}

// Catalog is the ordered, immutable list of items offered by the server.
type Catalog struct {
	items []CatalogItem
	index map[dispense.ItemRef]int
}

// NewCatalog validates items and builds a catalog in the given order.
func NewCatalog(items ...CatalogItem) (*Catalog, error) {
	c := &Catalog{
		items: make([]CatalogItem, 0, len(items)),
		index: make(map[dispense.ItemRef]int, len(items)),
	}
	for _, item := range items {
		if item.Ref.Type == "" || item.Ref.ID < 0 {
			return nil, fmt.Errorf("server: invalid item reference %q", item.Ref)
		}
		if item.Price < 0 {
			return nil, fmt.Errorf("server: item %s has negative price", item.Ref)
		}
		if strings.ContainsAny(item.Description, "\r\n") {
			return nil, errors.New("server: item description contains a line break")
		}
		if _, ok := c.index[item.Ref]; ok {
			return nil, fmt.Errorf("server: duplicate item %s", item.Ref)
		}
		c.index[item.Ref] = len(c.items)
		c.items = append(c.items, item)
	}

	return c, nil
}

// Items returns the catalog items in order.
func (c *Catalog) Items() []CatalogItem {
	return append([]CatalogItem(nil), c.items...)
}

// Lookup returns the item identified by ref.
func (c *Catalog) Lookup(ref dispense.ItemRef) (CatalogItem, bool) {
	i, ok := c.index[ref]
	if !ok {
		return CatalogItem{}, false
	}

	return c.items[i], true
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	return len(c.items)
}
