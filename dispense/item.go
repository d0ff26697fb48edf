package dispense

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidItemRef is returned when an item reference is not of the form <type>:<id>.
var ErrInvalidItemRef = errors.New("dispense: invalid item reference")

// ItemStatus is the availability of an item as reported in the catalog.
type ItemStatus int

const (
	ItemAvailable ItemStatus = iota
	ItemSoldOut
	ItemError
)

// String returns the wire token of the status.
func (s ItemStatus) String() string {
	switch s {
	case ItemAvailable:
		return "avail"
	case ItemSoldOut:
		return "sold"
	default:
		return "error"
	}
}

// ParseItemStatus parses a wire status token.
func ParseItemStatus(token string) (ItemStatus, error) {
	switch token {
	case "avail":
		return ItemAvailable, nil
	case "sold":
		return ItemSoldOut, nil
	case "error":
		return ItemError, nil
	}

	return ItemError, fmt.Errorf("dispense: unknown item status %q", token)
}

// ItemRef identifies an item by handler type and per-handler id.
type ItemRef struct {
	Type string
	ID   int
}

var itemRefRegexp = regexp.MustCompile(`^([A-Za-z]+):([0-9]+)$`)

// ParseItemRef parses "<type>:<id>", e.g. "coke:6".
func ParseItemRef(s string) (ItemRef, error) {
	m := itemRefRegexp.FindStringSubmatch(s)
	if m == nil {
		return ItemRef{}, fmt.Errorf("%w: %q", ErrInvalidItemRef, s)
	}
	id, err := strconv.Atoi(m[2])
	if err != nil {
		return ItemRef{}, fmt.Errorf("%w: %q", ErrInvalidItemRef, s)
	}

	return ItemRef{Type: m[1], ID: id}, nil
}

func (r ItemRef) String() string {
	return r.Type + ":" + strconv.Itoa(r.ID)
}

// MarshalText implements encoding.TextMarshaler.
func (r ItemRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ItemRef) UnmarshalText(text []byte) error {
	ref, err := ParseItemRef(string(text))
	if err != nil {
		return err
	}
	*r = ref

	return nil
}

// Item is one catalog entry.
type Item struct {
	Type        string
	ID          int
	Status      ItemStatus
	Price       int
	Description string
}

// Ref returns the reference identifying the item.
func (i Item) Ref() ItemRef {
	return ItemRef{Type: i.Type, ID: i.ID}
}

// String formats the item for display, e.g. "coke:3   90 Coke Zero".
func (i Item) String() string {
	return fmt.Sprintf("%-8s %4d %s", i.Ref().String(), i.Price, i.Description)
}
