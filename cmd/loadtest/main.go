// Command loadtest simulates a crowd of live users around one point: each
// opens a push connection, starts a session, waits to be matched and then
// saves, declines or ignores the match.
//
// Usage:
//
//	loadtest -users 200 -seed-db postgres://... -action save
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/geo"
	"github.com/whisper/live-match/internal/loadtest"
	"github.com/whisper/live-match/internal/matching"
)

type options struct {
	apiURL   string
	pushURL  string
	seedDB   string
	users    int
	rampUp   time.Duration
	radiusKm float64
	lat, lng float64
	minutes  int
	action   string
	timeout  time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.apiURL, "api", "http://localhost:8080", "live API base URL")
	flag.StringVar(&o.pushURL, "push", "ws://localhost:8081", "push gateway base URL")
	flag.StringVar(&o.seedDB, "seed-db", "", "PostgreSQL URL; when set, profiles for the simulated users are inserted first")
	flag.IntVar(&o.users, "users", 100, "number of simulated users")
	flag.DurationVar(&o.rampUp, "ramp-up", 10*time.Second, "time over which users are started")
	flag.Float64Var(&o.radiusKm, "radius-km", 3, "users are scattered within this radius of the center")
	flag.Float64Var(&o.lat, "lat", 48.8566, "center latitude")
	flag.Float64Var(&o.lng, "lng", 2.3522, "center longitude")
	flag.IntVar(&o.minutes, "minutes", 15, "session duration")
	flag.StringVar(&o.action, "action", "save", "what users do once matched: save, decline or none")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "how long a user waits for each event")
	flag.Parse()

	switch o.action {
	case "save", "decline", "none":
	default:
		log.Fatalf("unknown -action %q", o.action)
	}

	userIDs := make([]string, o.users)
	for i := range userIDs {
		userIDs[i] = uuid.NewString()
	}

	if o.seedDB != "" {
		if err := seedProfiles(o.seedDB, userIDs); err != nil {
			log.Fatalf("seed profiles: %v", err)
		}
		log.Printf("seeded %d profiles", len(userIDs))
	}

	collector := loadtest.NewCollector()
	scatter := geo.NewJitterFuzzer(o.radiusKm, nil)
	center := geo.Point{Lat: o.lat, Lng: o.lng}

	log.Printf("starting %d users over %s (action=%s)", o.users, o.rampUp, o.action)
	var wg sync.WaitGroup
	interval := o.rampUp / time.Duration(max(o.users, 1))
	for _, id := range userIDs {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			runUser(o, userID, scatter.Fuzz(center), collector)
		}(id)
		time.Sleep(interval)
	}
	wg.Wait()

	collector.Report(os.Stdout)
	if collector.ErrorCount() > 0 {
		os.Exit(1)
	}
}

func runUser(o options, userID string, loc geo.Point, c *loadtest.Collector) {
	ctx := context.Background()
	client := loadtest.NewClient(userID, o.apiURL, o.pushURL)
	defer client.Close()

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		log.Printf("user=%s connect: %v", userID, err)
		c.AddError()
		return
	}
	c.Add("push connect", time.Since(start))

	start = time.Now()
	sessionID, err := client.StartSession(ctx, o.minutes, loc.Lat, loc.Lng)
	if err != nil {
		log.Printf("user=%s start session: %v", userID, err)
		c.AddError()
		return
	}
	c.Add("start session", time.Since(start))
	defer func() {
		if err := client.EndSession(ctx, sessionID); err != nil {
			log.Printf("user=%s end session: %v", userID, err)
		}
	}()

	ev, err := client.WaitFor(o.timeout, matching.EventMatchCreated)
	if err != nil {
		c.Count("unmatched")
		return
	}
	c.Add("time to match", time.Since(start))
	c.Count("matched")

	var created matching.MatchCreatedEvent
	if err := json.Unmarshal(ev.Payload, &created); err != nil {
		c.AddError()
		return
	}

	switch o.action {
	case "decline":
		if err := client.Decline(ctx, created.MatchID); err != nil {
			log.Printf("user=%s decline: %v", userID, err)
			c.AddError()
			return
		}
		c.Count("declined")

	case "save":
		if err := client.SendMessage(ctx, created.MatchID, "hi from "+userID[:8]); err != nil {
			log.Printf("user=%s message: %v", userID, err)
		}
		start = time.Now()
		if err := client.Save(ctx, created.MatchID); err != nil {
			// The partner may have declined or the match expired first.
			log.Printf("user=%s save: %v", userID, err)
			c.Count("save rejected")
			return
		}
		if _, err := client.WaitFor(o.timeout, matching.EventMatchSaved); err != nil {
			c.Count("save unanswered")
			return
		}
		c.Add("time to conversion", time.Since(start))
		c.Count("converted")
	}
}

// seedProfiles inserts permissive profiles so every simulated user is
// eligible for every other.
func seedProfiles(url string, userIDs []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := database.DefaultConfig()
	cfg.URL = url
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return database.WithTx(ctx, db, func(tx *sql.Tx) error {
		for i, id := range userIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO profiles (user_id, display_name, birth_date, gender, seeking, min_age, max_age, max_distance_km)
				VALUES ($1, $2, now() - interval '30 years', 'woman', 'any', 18, 99, 50)
				ON CONFLICT (user_id) DO NOTHING`,
				id, fmt.Sprintf("load-%04d", i)); err != nil {
				return fmt.Errorf("insert %s: %w", id, err)
			}
		}
		return nil
	})
}
