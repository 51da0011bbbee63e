package leaderboard

import (
	"fmt"
	"strings"
)

const DefaultPageSize = 50

type Page struct {
	Index      int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Label      string `json:"label"`
}

// Pager is per-viewer pagination state. It is not safe for concurrent use.
type Pager struct {
	size   int
	index  int
	total  int
	filter string
}

func NewPager(size int) *Pager {
	if size < 1 {
		size = 1
	}
	return &Pager{size: size}
}

func (p *Pager) Size() int  { return p.size }
func (p *Pager) Index() int { return p.index }

func (p *Pager) totalPages(total int) int {
	if total <= 0 {
		return 1
	}
	return (total + p.size - 1) / p.size
}

// Slice clamps the current page to total items and returns its bounds. The
// total is remembered so Next can clamp without another Slice.
func (p *Pager) Slice(total int) Page {
	if total < 0 {
		total = 0
	}
	p.total = total
	pages := p.totalPages(total)
	if p.index >= pages {
		p.index = pages - 1
	}
	if p.index < 0 {
		p.index = 0
	}
	start := p.index * p.size
	end := start + p.size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return Page{
		Index:      p.index,
		TotalPages: pages,
		Start:      start,
		End:        end,
		Label:      fmt.Sprintf("Page %d/%d", p.index+1, pages),
	}
}

// Next advances one page unless already on the last page of the most recent
// Slice. It reports whether the page moved.
func (p *Pager) Next() bool {
	if p.index+1 >= p.totalPages(p.total) {
		return false
	}
	p.index++
	return true
}

func (p *Pager) Previous() bool {
	if p.index <= 0 {
		return false
	}
	p.index--
	return true
}

func (p *Pager) Reset() { p.index = 0 }

// SetIndex jumps to a page; Slice clamps it.
func (p *Pager) SetIndex(i int) {
	if i < 0 {
		i = 0
	}
	p.index = i
}

func (p *Pager) Filter() string { return p.filter }

// SetFilter changes the name filter and returns to the first page when the
// filter actually changed.
func (p *Pager) SetFilter(q string) bool {
	q = strings.TrimSpace(q)
	if q == p.filter {
		return false
	}
	p.filter = q
	p.Reset()
	return true
}

// Window returns rows[page.Start:page.End].
func Window[T any](rows []T, page Page) []T {
	if page.Start >= len(rows) {
		return nil
	}
	end := page.End
	if end > len(rows) {
		end = len(rows)
	}
	return rows[page.Start:end]
}
