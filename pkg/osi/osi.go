// Package osi parses and catalogs OCC-style OSI option symbols: the
// fixed 21-character symbol format, plus the sorted, duplicate-free
// root catalog the discovery wrapper maintains over it.
package osi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Symbol is the 21-character OSI option-symbol format decoded into its
// constituent fields.
type Symbol struct {
	Root              string // space-trimmed root, up to 6 characters
	Year              int    // 2000+YY
	Month             int
	Day               int
	Put               bool // true for 'P', false for 'C'
	StrikeNanoDollars int64 // parsed strike * 1_000_000
}

const symbolLen = 21

// Parse decodes a fixed 21-character ASCII OSI symbol. The layout is
// byte-exact: root occupies 0-5 (space-padded), year occupies 6-7,
// month 8-9, day 10-11, the call/put flag byte 12, strike digits
// 13-20.
func Parse(s string) (Symbol, error) {
	if len(s) != symbolLen {
		return Symbol{}, fmt.Errorf("osi: symbol length %d, want %d", len(s), symbolLen)
	}

	root := strings.TrimRight(s[0:6], " ")
	if root == "" {
		return Symbol{}, fmt.Errorf("osi: empty root in %q", s)
	}

	yy, err := strconv.Atoi(s[6:8])
	if err != nil {
		return Symbol{}, fmt.Errorf("osi: bad year digits in %q: %w", s, err)
	}
	mm, err := strconv.Atoi(s[8:10])
	if err != nil {
		return Symbol{}, fmt.Errorf("osi: bad month digits in %q: %w", s, err)
	}
	dd, err := strconv.Atoi(s[10:12])
	if err != nil {
		return Symbol{}, fmt.Errorf("osi: bad day digits in %q: %w", s, err)
	}

	var put bool
	switch s[12] {
	case 'C':
		put = false
	case 'P':
		put = true
	default:
		return Symbol{}, fmt.Errorf("osi: bad call/put flag %q in %q", s[12], s)
	}

	strikeDigits := s[13:21]
	strike, err := strconv.ParseInt(strikeDigits, 10, 64)
	if err != nil {
		return Symbol{}, fmt.Errorf("osi: bad strike digits in %q: %w", s, err)
	}

	return Symbol{
		Root:              root,
		Year:              2000 + yy,
		Month:             mm,
		Day:               dd,
		Put:               put,
		StrikeNanoDollars: strike * 1_000_000,
	}, nil
}

// Catalog is a byte-sorted, duplicate-free vector of root entries,
// each carrying the options discovered for it. Insertion is O(n) (a
// shift into sorted position); acceptable given the universe of roots
// is small (on the order of a few thousand) and insertions taper off
// as a replay nears completion.
type Catalog struct {
	roots []*RootEntry
}

// RootEntry holds every option discovered so far for one root symbol.
type RootEntry struct {
	Root    string
	Options []*OptionEntry
}

// OptionEntry links one parsed OSI symbol back to its instrument id
// and (once cross-referenced) its security-definition record.
type OptionEntry struct {
	InstrumentID uint32
	Parsed       Symbol
	Sdef         any // a dbn.SecurityDefinition value once linked; any to avoid an import cycle
}

const optionListInitialCap = 64

// Insert locates root in the sorted vector (binary search) and
// inserts it in sorted position if absent, then appends the option
// entry to its list. Returns the RootEntry the option was filed under.
func (c *Catalog) Insert(root string, instrumentID uint32, parsed Symbol) *RootEntry {
	i := sort.Search(len(c.roots), func(i int) bool { return c.roots[i].Root >= root })

	var entry *RootEntry
	if i < len(c.roots) && c.roots[i].Root == root {
		entry = c.roots[i]
	} else {
		entry = &RootEntry{Root: root, Options: make([]*OptionEntry, 0, optionListInitialCap)}
		c.roots = append(c.roots, nil)
		copy(c.roots[i+1:], c.roots[i:])
		c.roots[i] = entry
	}

	entry.Options = append(entry.Options, &OptionEntry{InstrumentID: instrumentID, Parsed: parsed})
	return entry
}

// Roots returns the sorted-ascending, duplicate-free root entries.
// The returned slice aliases the Catalog's internal storage and must
// not be mutated by the caller.
func (c *Catalog) Roots() []*RootEntry {
	return c.roots
}

// Len returns the number of distinct roots currently catalogued.
func (c *Catalog) Len() int {
	return len(c.roots)
}
