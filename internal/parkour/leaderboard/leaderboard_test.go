package leaderboard

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexa.gg/parkour/internal/parkour/medal"
)

func pid(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func TestRankTimes_Dense(t *testing.T) {
	assert.Equal(t, []int{1, 1, 3, 4, 4}, RankTimes([]int64{1000, 1000, 2000, 3000, 3000}))
	assert.Equal(t, []int{}, RankTimes(nil))
	assert.Equal(t, []int{1, 2, 3}, RankTimes([]int64{1000, 2000, 3000}))
}

func TestRankTimes_CentisecondPrecision(t *testing.T) {
	// 1001 and 1004 both display as 1.00s and tie; 1005 rounds up to 1.01s.
	assert.Equal(t, []int{1, 1, 3}, RankTimes([]int64{1001, 1004, 1005}))
	assert.Equal(t, int64(100), Centis(1004))
	assert.Equal(t, int64(101), Centis(1005))
}

func TestHasPrefixFold(t *testing.T) {
	assert.True(t, HasPrefixFold("Steve", "st"))
	assert.True(t, HasPrefixFold("ÉCOLE", "éc"))
	assert.True(t, HasPrefixFold("anything", ""))
	assert.False(t, HasPrefixFold("Al", "alex"))
	assert.False(t, HasPrefixFold("Bob", "o"))
}

func TestPager(t *testing.T) {
	p := NewPager(2)

	page := p.Slice(5)
	assert.Equal(t, Page{Index: 0, TotalPages: 3, Start: 0, End: 2, Label: "Page 1/3"}, page)

	require.True(t, p.Next())
	page = p.Slice(5)
	assert.Equal(t, 2, page.Start)
	assert.Equal(t, 4, page.End)

	require.True(t, p.Next())
	page = p.Slice(5)
	assert.Equal(t, 4, page.Start)
	assert.Equal(t, 5, page.End)
	assert.Equal(t, "Page 3/3", page.Label)

	assert.False(t, p.Next(), "next past the last page is a no-op")
	assert.Equal(t, 2, p.Index())

	p.Reset()
	assert.False(t, p.Previous(), "previous before page 0 is a no-op")
	assert.Equal(t, 0, p.Index())
}

func TestPager_ClampsWhenTotalShrinks(t *testing.T) {
	p := NewPager(10)
	p.SetIndex(7)
	page := p.Slice(25)
	assert.Equal(t, 2, page.Index)
	assert.Equal(t, 20, page.Start)
	assert.Equal(t, 25, page.End)

	page = p.Slice(0)
	assert.Equal(t, Page{Index: 0, TotalPages: 1, Start: 0, End: 0, Label: "Page 1/1"}, page)
}

func TestPager_FilterResets(t *testing.T) {
	p := NewPager(1)
	p.Slice(10)
	p.Next()
	p.Next()
	require.Equal(t, 2, p.Index())

	assert.True(t, p.SetFilter("al"))
	assert.Equal(t, 0, p.Index())
	p.Next()
	assert.False(t, p.SetFilter(" al "), "same filter keeps the page")
	assert.Equal(t, "al", p.Filter())

	assert.Equal(t, 1, NewPager(0).Size())
}

type mapTimes map[string]map[uuid.UUID]int64

func (m mapTimes) BestTimesForMap(id string) map[uuid.UUID]int64 { return m[id] }

type names map[uuid.UUID]string

func (n names) PlayerName(id uuid.UUID) string { return n[id] }

type medalSnap []medal.ScoreEntry

func (m medalSnap) Snapshot() []medal.ScoreEntry { return m }

func TestQuery_MapPage_RanksBeforeFilter(t *testing.T) {
	times := mapTimes{"A": {
		pid(1): 1000,
		pid(2): 1000,
		pid(3): 2000,
		pid(4): 3000,
		pid(5): 3000,
	}}
	nm := names{pid(1): "Zed", pid(2): "alice", pid(3): "Bob", pid(4): "Alex", pid(5): "carl"}
	q := NewQuery(times, medalSnap(nil), nm)

	rows := q.MapRows("A")
	ranks := []int{}
	for _, r := range rows {
		ranks = append(ranks, r.Rank)
	}
	assert.Equal(t, []int{1, 1, 3, 4, 4}, ranks)

	p := NewPager(50)
	p.SetFilter("AL")
	got, page := q.MapPage("A", p)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Name)
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, "Alex", got[1].Name)
	assert.Equal(t, 4, got[1].Rank, "filtered rows keep their full-board rank")
	assert.Equal(t, "Page 1/1", page.Label)

	assert.Equal(t, 3, q.Position("A", pid(3)))
	assert.Equal(t, -1, q.Position("A", pid(9)))
	assert.Equal(t, -1, q.Position("missing", pid(1)))
}

func TestQuery_MedalPage(t *testing.T) {
	snap := medalSnap{
		{PlayerID: pid(1), Gold: 1, Silver: 1, Bronze: 1, TotalScore: 6},
		{PlayerID: pid(2), Gold: 1, Silver: 1, Bronze: 1, TotalScore: 6},
		{PlayerID: pid(3), Bronze: 1, TotalScore: 1},
	}
	q := NewQuery(mapTimes{}, snap, names{pid(1): "Ann"})

	p := NewPager(2)
	rows, page := q.MedalPage(p)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, 1, rows[1].Rank)
	assert.Equal(t, "Ann", rows[0].Name)
	assert.Equal(t, pid(2).String()[:8], rows[1].Name, "unknown players fall back to an id prefix")
	assert.Equal(t, 2, page.TotalPages)

	p.Next()
	rows, _ = q.MedalPage(p)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Rank)
}
