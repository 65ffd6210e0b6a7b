package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Selector picks pages by 1-based number. Items are single pages ("3"), pages
// counted from the end ("-1" is the last page) or inclusive ranges with optional
// bounds ("2:", ":5", "2:-2"). A nil Selector selects every page.
type Selector []string

// Validate checks every item without knowing the page count.
func (s Selector) Validate() error {
	for _, item := range s {
		if _, _, err := parseItem(item); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the sorted, de-duplicated page numbers selected out of total pages.
// Items that fall outside the document are ignored.
func (s Selector) Resolve(total int) ([]int, error) {
	if s == nil {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages, nil
	}

	seen := make(map[int]struct{})
	for _, item := range s {
		start, end, err := parseItem(item)
		if err != nil {
			return nil, err
		}
		start = absolute(start, total, 1)
		end = absolute(end, total, total)
		for p := max(1, start); p <= min(total, end); p++ {
			seen[p] = struct{}{}
		}
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

// Contains reports whether page is selected out of total pages.
func (s Selector) Contains(page, total int) bool {
	pages, err := s.Resolve(total)
	if err != nil {
		return false
	}
	i := sort.SearchInts(pages, page)
	return i < len(pages) && pages[i] == page
}

// parseItem returns the raw bounds of one item. Zero means "open" for range bounds.
func parseItem(item string) (start, end int, err error) {
	item = strings.TrimSpace(item)
	lo, hi, isRange := strings.Cut(item, ":")
	if !isRange {
		n, err := strconv.Atoi(item)
		if err != nil || n == 0 {
			return 0, 0, fmt.Errorf("invalid page selector %q", item)
		}
		return n, n, nil
	}
	if lo != "" {
		if start, err = strconv.Atoi(lo); err != nil || start == 0 {
			return 0, 0, fmt.Errorf("invalid page range %q", item)
		}
	}
	if hi != "" {
		if end, err = strconv.Atoi(hi); err != nil || end == 0 {
			return 0, 0, fmt.Errorf("invalid page range %q", item)
		}
	}
	return start, end, nil
}

// absolute turns a raw bound into a page number; open bounds take def.
func absolute(n, total, def int) int {
	switch {
	case n == 0:
		return def
	case n < 0:
		return total + n + 1
	default:
		return n
	}
}
