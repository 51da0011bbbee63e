package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexa.gg/parkour/internal/parkour/catalog"
	"vexa.gg/parkour/internal/parkour/medal"
	"vexa.gg/parkour/internal/parkour/run"
	"vexa.gg/parkour/internal/parkour/tuning"
)

func pid(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func ms(v int64) *int64 { return &v }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T) (*Engine, *clock) {
	t.Helper()
	start := &catalog.Transform{X: 0, Y: 70, Z: 0}
	cat, err := catalog.New([]catalog.MapDefinition{
		{ID: "A", Name: "Alpha", FirstCompletionXP: 100, Active: true, Start: start, Order: 1,
			GoldTimeMs: ms(3000), SilverTimeMs: ms(5000), BronzeTimeMs: ms(8000)},
		{ID: "B", FirstCompletionXP: 50, Active: true, Start: start, Order: 2},
		{ID: "old", FirstCompletionXP: 10, Active: false, Start: start, Order: 3},
	})
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	tune := tuning.Defaults()
	tune.PageSize = 2
	return New(cat, Config{Tuning: tune, Now: clk.Now}), clk
}

func finish(t *testing.T, e *Engine, clk *clock, id uuid.UUID, mapID string, d time.Duration) run.Result {
	t.Helper()
	_, err := e.Runs.StartRun(id, mapID)
	require.NoError(t, err)
	clk.Advance(d)
	res, err := e.Runs.FinishRun(id)
	require.NoError(t, err)
	return res
}

func TestJoinAndLeave(t *testing.T) {
	e, _ := newEngine(t)
	yes := true

	w := e.Join(Identity{ID: pid(1), Name: "  Ann  ", Founder: &yes})
	assert.True(t, w.FirstVisit)
	assert.Equal(t, "Ann", w.Name)
	assert.Equal(t, "Unranked", w.Rank)
	assert.True(t, e.Progress.IsVIP(pid(1)), "founder implies vip")

	w = e.Join(Identity{ID: pid(1), Name: "Ann"})
	assert.False(t, w.FirstVisit)
	assert.True(t, e.Progress.IsFounder(pid(1)), "nil flags keep the stored rank")
	assert.Equal(t, 1, e.OnlineCount(), "two connections, one player")

	_, err := e.Runs.StartRun(pid(1), "A")
	require.NoError(t, err)
	e.Leave(pid(1))
	_, running := e.Runs.Session(pid(1))
	assert.True(t, running, "one connection still open")

	e.Leave(pid(1))
	_, running = e.Runs.Session(pid(1))
	assert.False(t, running, "last connection abandons the run")
	assert.Equal(t, 0, e.OnlineCount())
	e.Leave(pid(1))
	assert.Equal(t, 0, e.OnlineCount())
}

func TestJoinLeave_ReconnectRace(t *testing.T) {
	e, _ := newEngine(t)
	id := pid(7)
	for round := 0; round < 500; round++ {
		e.Join(Identity{ID: id, Name: "Rae"})

		// the old connection drops while the host reconnects
		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			e.Leave(id)
		}()
		go func() {
			defer wg.Done()
			<-start
			e.Join(Identity{ID: id, Name: "Rae"})
		}()
		close(start)
		wg.Wait()
		require.Equal(t, 1, e.OnlineCount(), "round %d: reconnected player must be online", round)

		_, err := e.Runs.StartRun(id, "A")
		require.NoError(t, err)
		e.Leave(id)
		_, running := e.Runs.Session(id)
		require.False(t, running, "round %d: run survived the last disconnect", round)
		require.Equal(t, 0, e.OnlineCount())
		require.Equal(t, 0, e.Runs.ActiveCount())
	}
}

func TestJoinLeave_ConcurrentConnections(t *testing.T) {
	e, _ := newEngine(t)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.Join(Identity{ID: pid(8), Name: "Sol"})
				e.Leave(pid(8))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, e.OnlineCount())
	e.onlineMu.Lock()
	assert.Empty(t, e.online)
	e.onlineMu.Unlock()
}

func TestPlayerView(t *testing.T) {
	e, clk := newEngine(t)
	e.Join(Identity{ID: pid(1), Name: "Ann"})

	_, err := e.Player(pid(9))
	assert.True(t, IsUnknownPlayer(err))

	res := finish(t, e, clk, pid(1), "A", 4*time.Second)
	assert.Equal(t, medal.Silver, res.Medal)

	_, err = e.Runs.StartRun(pid(1), "B")
	require.NoError(t, err)
	clk.Advance(1500 * time.Millisecond)
	e.Runs.RecordFailure(pid(1))

	v, err := e.Player(pid(1))
	require.NoError(t, err)
	assert.Equal(t, "Ann", v.Name)
	assert.Equal(t, int64(100), v.XP)
	assert.Equal(t, 1, v.CompletedMaps)
	assert.Equal(t, 2, v.TotalMaps, "inactive maps are not listed")
	require.Len(t, v.Maps, 1)
	assert.Equal(t, "A", v.Maps[0].MapID)
	assert.Equal(t, 1, v.Maps[0].Position)
	assert.True(t, v.Maps[0].Author)
	assert.True(t, v.Maps[0].Medals.Has(medal.Silver))
	assert.False(t, v.Maps[0].Medals.Has(medal.Gold))
	require.NotNil(t, v.ActiveRun)
	assert.Equal(t, "B", v.ActiveRun.MapID)
	assert.Equal(t, 1, v.ActiveRun.Falls)
}

func TestBoards(t *testing.T) {
	e, clk := newEngine(t)
	for i, name := range []string{"Ann", "Ben", "Bea"} {
		e.Join(Identity{ID: pid(i + 1), Name: name})
	}
	finish(t, e, clk, pid(1), "A", 2900*time.Millisecond)
	finish(t, e, clk, pid(2), "A", 4000*time.Millisecond)
	finish(t, e, clk, pid(3), "A", 4004*time.Millisecond)

	_, err := e.MapBoard("nope", 0, "")
	assert.True(t, errors.Is(err, run.ErrMapNotFound))

	b, err := e.MapBoard("A", 0, "")
	require.NoError(t, err)
	require.Len(t, b.Rows, 2)
	assert.Equal(t, 2, b.Page.TotalPages)

	b, err = e.MapBoard("A", 5, "")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Page.Index, "page clamps to the last page")
	require.Len(t, b.Rows, 1)
	assert.Equal(t, 2, b.Rows[0].Rank, "same centisecond shares a rank")

	b, err = e.MapBoard("A", 0, "b")
	require.NoError(t, err)
	require.Len(t, b.Rows, 2)
	assert.Equal(t, []int{2, 2}, []int{b.Rows[0].Rank, b.Rows[1].Rank}, "ranks come from the full board")

	empty, err := e.MapBoard("B", 0, "")
	require.NoError(t, err)
	assert.NotNil(t, empty.Rows)
	assert.Empty(t, empty.Rows)

	mb := e.MedalBoard(0, "")
	require.Len(t, mb.Rows, 2)
	assert.Equal(t, pid(1), mb.Rows[0].PlayerID)
	assert.Equal(t, 1, mb.Rows[0].Rank)

	maps := e.Maps()
	require.Len(t, maps, 2)
	assert.Equal(t, "Alpha", maps[0].Name)
	require.NotNil(t, maps[0].WorldRecordMs)
	assert.Equal(t, int64(2900), *maps[0].WorldRecordMs)
	assert.Equal(t, "Ann", maps[0].Author)
	assert.Nil(t, maps[1].WorldRecordMs)
}

func TestPopulation(t *testing.T) {
	e, clk := newEngine(t)
	e.Join(Identity{ID: pid(1)})
	e.Join(Identity{ID: pid(2)})

	e.Population.RecordSampleAt(clk.Now().Add(-8*24*time.Hour).UnixMilli(), 9)
	s := e.SamplePopulation()
	assert.Equal(t, 2, s.Count)

	assert.Equal(t, 1, e.PrunePopulation(), "older than seven days")

	g := e.PopulationGraph(0)
	assert.Equal(t, 24, g.WindowHours)
	assert.Equal(t, 2, g.Online)
	assert.Equal(t, 2, g.Summary.Peak)
	require.Len(t, g.Buckets, 1)
	require.Len(t, g.Bars, 1)
	assert.Equal(t, 10, g.Bars[0].Filled)
}

func TestReloadCatalog(t *testing.T) {
	e, _ := newEngine(t)
	path := filepath.Join(t.TempDir(), "maps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`maps:
  - id: C
    category: hard
    active: true
    start: {x: 0, y: 64, z: 0}
`), 0o644))
	before := e.Catalog.Version()
	require.NoError(t, e.ReloadCatalog(path))
	assert.Greater(t, e.Catalog.Version(), before)
	_, ok := e.Catalog.GetMap("C")
	assert.True(t, ok)

	assert.Error(t, e.ReloadCatalog(filepath.Join(t.TempDir(), "missing.yaml")))
}
