// Package directory maintains the grouped, sorted, searchable list of thread
// summaries shown in the sidebar. It works on thread metadata only: content
// churn inside the active thread never reaches it, so per-fragment updates
// cost nothing here.
package directory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/gemchat/pkg/domain"
)

// Bucket labels, most recent first.
const (
	LabelToday      = "Today"
	LabelYesterday  = "Yesterday"
	LabelLast7Days  = "Last 7 Days"
	LabelLast30Days = "Last 30 Days"
	LabelOlder      = "Older"
)

// Group is one recency bucket of thread summaries, sorted by UpdatedAt
// descending.
type Group struct {
	Label   string
	Threads []domain.Thread
}

// Directory is a cached derived view over all threads. Groups are recomputed
// only when the summary set, the filter, or the calendar date changed.
type Directory struct {
	mu      sync.Mutex
	threads map[string]domain.Thread

	dirty      bool
	cached     []Group
	lastFilter string
	lastDay    time.Time

	recomputes int
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{threads: make(map[string]domain.Thread), dirty: true}
}

// Seed replaces the summary set with metadata from the given threads,
// typically the result of a store LoadAll at startup.
func (d *Directory) Seed(threads []domain.Thread) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threads = make(map[string]domain.Thread, len(threads))
	for i := range threads {
		d.threads[threads[i].ID] = threads[i].Meta()
	}
	d.dirty = true
}

// Upsert records a thread creation or metadata bump (title, UpdatedAt).
func (d *Directory) Upsert(meta domain.Thread) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threads[meta.ID] = meta.Meta()
	d.dirty = true
}

// Remove drops a deleted thread from the view.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.threads[id]; !ok {
		return
	}
	delete(d.threads, id)
	d.dirty = true
}

// Len returns the number of known threads, ignoring the filter.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.threads)
}

// Groups returns the recency buckets for threads whose title contains filter
// (case-insensitive substring; empty filter matches all). Empty buckets are
// omitted. The result is cached across calls until something it depends on
// changes.
func (d *Directory) Groups(now time.Time, filter string) []Group {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := now.Truncate(24 * time.Hour)
	if !d.dirty && filter == d.lastFilter && day.Equal(d.lastDay) {
		return d.cached
	}

	d.cached = d.compute(now, filter)
	d.dirty = false
	d.lastFilter = filter
	d.lastDay = day
	d.recomputes++
	return d.cached
}

func (d *Directory) compute(now time.Time, filter string) []Group {
	groups := []Group{
		{Label: LabelToday},
		{Label: LabelYesterday},
		{Label: LabelLast7Days},
		{Label: LabelLast30Days},
		{Label: LabelOlder},
	}

	needle := strings.ToLower(filter)
	for _, t := range d.threads {
		if needle != "" && !strings.Contains(strings.ToLower(t.Title), needle) {
			continue
		}
		diffDays := int(now.Sub(t.UpdatedAt).Hours() / 24)
		var idx int
		switch {
		case diffDays <= 0:
			idx = 0
		case diffDays == 1:
			idx = 1
		case diffDays < 7:
			idx = 2
		case diffDays < 30:
			idx = 3
		default:
			idx = 4
		}
		groups[idx].Threads = append(groups[idx].Threads, t)
	}

	var out []Group
	for _, g := range groups {
		if len(g.Threads) == 0 {
			continue
		}
		sort.Slice(g.Threads, func(i, j int) bool {
			return g.Threads[i].UpdatedAt.After(g.Threads[j].UpdatedAt)
		})
		out = append(out, g)
	}
	return out
}
