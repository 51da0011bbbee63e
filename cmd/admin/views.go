package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/leaderboard"
	"vexa.gg/parkour/internal/parkour/population"
	"vexa.gg/parkour/internal/protocol"
)

func leaderboardCmd(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	var src source
	src.register(fs)
	mapID := fs.String("map", "", "map id (required)")
	page := fs.Int("page", 0, "page index, 0-based")
	query := fs.String("q", "", "name prefix filter")
	_ = fs.Parse(args)
	if strings.TrimSpace(*mapID) == "" {
		fail(2, "missing -map")
	}

	eng, closeFn := openOrFail(&src, false)
	defer closeFn()
	b, err := eng.MapBoard(*mapID, *page, *query)
	if err != nil {
		fail(1, "%v (%s)", err, protocol.CodeFor(err))
	}
	printMapBoard(os.Stdout, b)
}

func printMapBoard(w io.Writer, b engine.MapBoard) {
	header.Fprintf(w, "%s  %s\n", b.MapID, b.Page.Label)
	if len(b.Rows) == 0 {
		dim.Fprintln(w, "no times yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range b.Rows {
		fmt.Fprintf(tw, "#%d\t%s\t%s\n", r.Rank, r.Name, formatTime(r.TimeMs))
	}
	_ = tw.Flush()
}

func medalsCmd(args []string) {
	fs := flag.NewFlagSet("medals", flag.ExitOnError)
	var src source
	src.register(fs)
	page := fs.Int("page", 0, "page index, 0-based")
	query := fs.String("q", "", "name prefix filter")
	_ = fs.Parse(args)

	eng, closeFn := openOrFail(&src, false)
	defer closeFn()
	b := eng.MedalBoard(*page, *query)

	header.Fprintf(os.Stdout, "Medals  %s\n", b.Page.Label)
	if len(b.Rows) == 0 {
		dim.Println("no medals yet")
		return
	}
	gold := color.New(color.FgYellow).SprintFunc()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tplayer\tscore\tgold\tsilver\tbronze\tfirsts")
	for _, r := range b.Rows {
		fmt.Fprintf(tw, "#%d\t%s\t%d\t%s\t%d\t%d\t%d\n",
			r.Rank, r.Name, r.TotalScore, gold(r.Gold), r.Silver, r.Bronze, r.FirstCompletions)
	}
	_ = tw.Flush()
}

func playerCmd(args []string) {
	fs := flag.NewFlagSet("player", flag.ExitOnError)
	var src source
	src.register(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail(2, "usage: player [flags] ID|NAME")
	}

	eng, closeFn := openOrFail(&src, false)
	defer closeFn()
	id, err := protocol.ParsePlayerID(fs.Arg(0))
	if err != nil {
		var ok bool
		if id, ok = eng.Progress.PlayerIDByName(fs.Arg(0)); !ok {
			fail(1, "unknown player %q", fs.Arg(0))
		}
	}
	v, err := eng.Player(id)
	if err != nil {
		fail(1, "%v", err)
	}
	printPlayer(os.Stdout, v)
}

func printPlayer(w io.Writer, v engine.PlayerView) {
	flags := ""
	if v.Founder {
		flags = " [founder]"
	} else if v.VIP {
		flags = " [vip]"
	}
	header.Fprintf(w, "%s%s  %s\n", v.Name, flags, v.PlayerID)
	fmt.Fprintf(w, "rank      %s (%d xp, %d to next)\n", v.Rank, v.XP, v.XPToNextRank)
	fmt.Fprintf(w, "maps      %d/%d\n", v.CompletedMaps, v.TotalMaps)
	fmt.Fprintf(w, "playtime  %s\n", time.Duration(v.PlaytimeMs)*time.Millisecond)
	fmt.Fprintf(w, "jumps     %d\n", v.JumpCount)
	if len(v.Maps) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range v.Maps {
		author := ""
		if m.Author {
			author = "author"
		}
		fmt.Fprintf(tw, "  %s\t%s\t#%d\t%s\t%s\n", m.MapID, formatTime(m.BestTimeMs), m.Position, medalList(m), author)
	}
	_ = tw.Flush()
}

func medalList(m engine.MapProgressView) string {
	var names []string
	for _, t := range m.Medals.Tiers() {
		names = append(names, strings.ToLower(t.String()))
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func populationCmd(args []string) {
	fs := flag.NewFlagSet("population", flag.ExitOnError)
	var src source
	src.register(fs)
	hours := fs.Int("hours", 0, "window in hours (default: graph_window_hours)")
	_ = fs.Parse(args)

	eng, closeFn := openOrFail(&src, false)
	defer closeFn()
	g := eng.PopulationGraph(time.Duration(*hours) * time.Hour)
	printGraph(os.Stdout, g, eng.Tuning.GraphBarSegments)
}

func printGraph(w io.Writer, g engine.PopulationGraph, segments int) {
	header.Fprintf(w, "Players online, last %dh\n", g.WindowHours)
	s := g.Summary
	fmt.Fprintf(w, "latest %d  peak %d  min %d  avg %.1f  samples %d\n", s.Latest, s.Peak, s.Min, s.Average, s.Samples)
	for _, b := range g.Bars {
		at := time.UnixMilli(b.StartMs).UTC().Format("01-02 15:04")
		fmt.Fprintf(w, "%s %s %d\n", at, bar(b, segments), b.Value)
	}
}

func bar(b population.Bar, segments int) string {
	return strings.Repeat("#", b.Filled) + strings.Repeat(".", max(segments-b.Filled, 0))
}

// formatTime renders a run time as m:ss.cc at the precision leaderboards rank
// on.
func formatTime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	cs := leaderboard.Centis(ms)
	return fmt.Sprintf("%d:%02d.%02d", cs/6000, cs/100%60, cs%100)
}
