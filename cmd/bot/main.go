package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/protocol"
)

// bot is a scripted player: it runs one map over and over, touching every
// checkpoint with a randomized pace. Useful for load and leaderboard smoke tests.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		id       = flag.String("id", "", "player uuid (default: random)")
		mapID    = flag.String("map", "", "map id (required)")
		cps      = flag.Int("checkpoints", 0, "checkpoints on the map")
		runs     = flag.Int("runs", 5, "runs to complete, 0 runs until interrupted")
		pace     = flag.Duration("pace", 2*time.Second, "mean time between checkpoints")
		practice = flag.Bool("practice", false, "switch each run to practice mode")
	)
	flag.Parse()

	log := logging.New("bot")
	if strings.TrimSpace(*mapID) == "" {
		fmt.Fprintln(os.Stderr, "missing -map")
		os.Exit(2)
	}
	playerID := uuid.New()
	if *id != "" {
		parsed, err := protocol.ParsePlayerID(*id)
		if err != nil {
			log.WithError(err).Fatal("bad -id")
		}
		playerID = parsed
	}

	c, w, err := dial(*url, playerID, *name)
	if err != nil {
		log.WithError(err).Fatal("connect")
	}
	defer c.Close()
	log.WithFields(logrus.Fields{"player": w.PlayerID, "rank": w.Rank, "first_visit": w.FirstVisit}).Info("welcome")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() time.Duration {
		return time.Duration(float64(*pace) * (0.5 + rng.Float64()))
	}
	for n := 0; *runs == 0 || n < *runs; n++ {
		select {
		case <-stop:
			return
		default:
		}
		fin, err := c.runMap(*mapID, *cps, *practice, wait)
		if err != nil {
			log.WithError(err).Error("run failed")
			continue
		}
		log.WithFields(logrus.Fields{
			"map":      fin.MapID,
			"elapsed":  fin.ElapsedMs,
			"medal":    fin.Medal,
			"scoring":  fin.Scoring,
			"new_best": fin.Progress.NewBest,
		}).Info("run finished")
	}
}

type client struct {
	conn  *websocket.Conn
	seq   int
	sleep func(time.Duration)
}

func dial(url string, id uuid.UUID, name string) (*client, protocol.WelcomeMsg, error) {
	var w protocol.WelcomeMsg
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		return nil, w, fmt.Errorf("dial: %w", err)
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerID:        id.String(),
		Name:            name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, w, fmt.Errorf("send HELLO: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, w, fmt.Errorf("read WELCOME: %w", err)
	}
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, w, fmt.Errorf("expected WELCOME, got %s", msg)
	}
	return &client{conn: conn, sleep: time.Sleep}, w, nil
}

func (c *client) Close() error { return c.conn.Close() }

type result struct {
	ReqID   string          `json:"req_id"`
	For     string          `json:"for"`
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call sends one request and waits for its RESULT.
func (c *client) call(typ, mapID string, checkpoint *int) (result, error) {
	c.seq++
	req := protocol.RequestMsg{
		Type:            typ,
		ProtocolVersion: protocol.Version,
		ReqID:           fmt.Sprintf("R%d", c.seq),
		MapID:           mapID,
		Checkpoint:      checkpoint,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return result{}, err
	}
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return result{}, err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeResult {
			continue
		}
		var r result
		if err := json.Unmarshal(msg, &r); err != nil {
			return result{}, err
		}
		if r.ReqID != req.ReqID {
			continue
		}
		if !r.OK {
			return r, fmt.Errorf("%s: %s %s", typ, r.Code, r.Message)
		}
		return r, nil
	}
}

type finish struct {
	MapID     string `json:"map_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Scoring   bool   `json:"scoring"`
	Medal     string `json:"medal"`
	Progress  struct {
		NewBest         bool `json:"new_best"`
		FirstCompletion bool `json:"first_completion"`
	} `json:"progress"`
}

func (c *client) runMap(mapID string, checkpoints int, practice bool, wait func() time.Duration) (finish, error) {
	var fin finish
	if _, err := c.call(protocol.TypeStartRun, mapID, nil); err != nil {
		return fin, err
	}
	if practice {
		if _, err := c.call(protocol.TypePractice, "", nil); err != nil {
			return fin, err
		}
	}
	for i := 0; i < checkpoints; i++ {
		c.sleep(wait())
		cp := i
		if _, err := c.call(protocol.TypeCheckpoint, "", &cp); err != nil {
			return fin, err
		}
	}
	c.sleep(wait())
	r, err := c.call(protocol.TypeFinish, "", nil)
	if err != nil {
		return fin, err
	}
	err = json.Unmarshal(r.Data, &fin)
	return fin, err
}
