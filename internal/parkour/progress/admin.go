package progress

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/parkour/leaderboard"
)

// ClearPlayerMapProgress forgets one player's completion of one map and
// re-derives their XP. Map authorship is kept.
func (s *Store) ClearPlayerMapProgress(id uuid.UUID, mapID string) bool {
	mapID = strings.TrimSpace(mapID)
	removed := false
	s.view(id, func(p *Player) {
		if _, ok := p.Maps[mapID]; !ok {
			return
		}
		delete(p.Maps, mapID)
		p.XP = s.calculatedXP(p)
		removed = true
		s.sink.DeleteCompletion(id, mapID)
		s.sink.SavePlayer(record(p))
		s.bump()
	})
	if removed {
		s.log.WithFields(logrus.Fields{"player": id, "map": mapID}).Info("map progress cleared")
	}
	return removed
}

// ClearProgress removes the player record entirely, including the name index
// entry. Map authorship is kept.
func (s *Store) ClearProgress(id uuid.UUID) bool {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	v, ok := s.players.LoadAndDelete(id)
	if !ok {
		return false
	}
	p := &v.(*playerEntry).p
	if p.Name != "" {
		folded := leaderboard.FoldName(p.Name)
		s.nameMu.Lock()
		if s.byName[folded] == id {
			delete(s.byName, folded)
		}
		s.nameMu.Unlock()
	}
	s.sink.DeletePlayer(id)
	s.bump()
	s.log.WithField("player", id).Info("player progress cleared")
	return true
}

// PurgeMapProgress removes every player's progress on a map along with its
// author, re-deriving XP for each affected player. A map nobody completed or
// authored is left alone and nothing reaches the sink.
func (s *Store) PurgeMapProgress(mapID string) PurgeResult {
	var res PurgeResult
	mapID = strings.TrimSpace(mapID)
	if mapID == "" {
		return res
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.players.Range(func(_, v any) bool {
		e := v.(*playerEntry)
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.p.Maps[mapID]; !ok {
			return true
		}
		before := e.p.XP
		delete(e.p.Maps, mapID)
		e.p.XP = s.calculatedXP(&e.p)
		if before > e.p.XP {
			res.TotalXPRemoved += before - e.p.XP
		}
		res.PlayersUpdated++
		s.sink.SavePlayer(record(&e.p))
		return true
	})
	s.authorMu.Lock()
	_, authored := s.authors[mapID]
	delete(s.authors, mapID)
	s.authorMu.Unlock()
	if res.PlayersUpdated == 0 && !authored {
		return res
	}
	s.sink.DeleteMapProgress(mapID)
	s.bump()
	s.log.WithFields(logrus.Fields{
		"map":        mapID,
		"players":    res.PlayersUpdated,
		"xp_removed": res.TotalXPRemoved,
	}).Info("map progress purged")
	return res
}
