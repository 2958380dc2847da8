// Package pagination extracts FHIR search paging parameters and builds the
// matching Bundle links.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 50
	MaxCount     = 500
)

// Params is a validated page window. Count is clamped to [1, MaxCount].
type Params struct {
	Count  int
	Offset int
}

// FromContext reads _count and _offset from the request. Missing or invalid
// values fall back to the defaults.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Count: count, Offset: offset}
}

// Window returns the [lo, hi) slice bounds for a result set of the given
// size.
func (p Params) Window(total int) (lo, hi int) {
	lo = p.Offset
	if lo > total {
		lo = total
	}
	hi = lo + p.Count
	if hi > total {
		hi = total
	}
	return lo, hi
}

// Link is one Bundle.link entry.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links builds self, next and previous links for a searchset bundle.
func (p Params) Links(basePath string, total int) []Link {
	links := []Link{{
		Relation: "self",
		URL:      pageURL(basePath, p.Offset, p.Count),
	}}
	if p.Offset+p.Count < total {
		links = append(links, Link{
			Relation: "next",
			URL:      pageURL(basePath, p.Offset+p.Count, p.Count),
		})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, Link{
			Relation: "previous",
			URL:      pageURL(basePath, prev, p.Count),
		})
	}
	return links
}

func pageURL(basePath string, offset, count int) string {
	return fmt.Sprintf("%s?_offset=%d&_count=%d", basePath, offset, count)
}
