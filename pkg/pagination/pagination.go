package pagination

import (
	"fmt"
	"math"
	"strconv"

	"callrelay-backend/pkg/constants"
)

// maxPage keeps Offset within int32 at any limit
const maxPage = math.MaxInt32 / constants.MaxPageSize

// Params is a page request parsed from ?page=&limit=
type Params struct {
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"-"`
}

// Page wraps one page of results
type Page struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
	Items   any  `json:"items"`
}

// Parse parses page and limit query values. Empty values fall back to page 1
// and constants.DefaultPageSize; limit is clamped to constants.MaxPageSize
// and page to maxPage.
func Parse(pageStr, limitStr string) (*Params, error) {
	page := 1
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		switch {
		case p > maxPage:
			page = maxPage
		case p > 1:
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return &Params{Page: page, Limit: limit, Offset: (page - 1) * limit}, nil
}

// Build wraps one page of n items. A full page reports HasMore.
func (p *Params) Build(items any, n int) *Page {
	return &Page{
		Page:    p.Page,
		Limit:   p.Limit,
		HasMore: n == p.Limit,
		Items:   items,
	}
}
