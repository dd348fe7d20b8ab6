// Command-line tool for provisioning and inspecting a signalwatch installation.
//
// Every command reads the same configuration as the service (-config, default $SW_CONFIG or
// config/config.yaml, plus SW_* variables) and works directly on the SQLite database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/config"
	"signalwatch/internal/credentials"
	"signalwatch/internal/logger"
	"signalwatch/internal/state"
	"signalwatch/internal/storage"
	"signalwatch/internal/telemetry"
	"signalwatch/internal/transport"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "signalctl - commands:")
	fmt.Fprintln(w, "  fixtures load       - load fixtures and channel mappings from a JSON file")
	fmt.Fprintln(w, "  fixtures list       - list fixtures with their locations and intersections")
	fmt.Fprintln(w, "  fixture add         - add or update one fixture")
	fmt.Fprintln(w, "  intersection group  - assign fixtures to an intersection")
	fmt.Fprintln(w, "  intersection list   - list intersections and their fixtures")
	fmt.Fprintln(w, "  detector register   - get or create detector credentials")
	fmt.Fprintln(w, "  detector list       - list registered detector credentials")
	fmt.Fprintln(w, "  publish             - publish synthetic telemetry for one detector")
	fmt.Fprintln(w, "  durations           - show transition statistics and recent history of a fixture")
	fmt.Fprintln(w, "  sinks               - show what reached the ClickHouse archive and the Postgres export")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  signalctl fixtures load -file fixtures.json")
	fmt.Fprintln(w, "  signalctl fixtures list")
	fmt.Fprintln(w, "  signalctl fixture add -name N -location \"51.5, -0.12\" -intersection X1 -detector 1 -red 0 -green 1")
	fmt.Fprintln(w, "  signalctl intersection group -id X1 -fixtures 1,2,3")
	fmt.Fprintln(w, "  signalctl intersection list")
	fmt.Fprintln(w, "  signalctl detector register -id 1 | -username publisher")
	fmt.Fprintln(w, "  signalctl detector list [-secrets]")
	fmt.Fprintln(w, "  signalctl publish -detector 1 -red-mask 1 -green-mask 2 [-red 30s] [-green 60s] [-interval 1s] [-count 0]")
	fmt.Fprintln(w, "  signalctl durations -fixture 7 [-history 20]")
	fmt.Fprintln(w, "  signalctl sinks [-detector 1] [-fixture 7]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every command accepts -config PATH.")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := strings.ToLower(os.Args[1])
	var err error
	switch cmd {
	case "fixtures", "fixture", "intersection", "detector":
		if len(os.Args) < 3 {
			usage(os.Stderr)
			os.Exit(2)
		}
		err = dispatch(ctx, cmd+" "+strings.ToLower(os.Args[2]), os.Args[3:])
	case "publish", "durations", "sinks":
		err = dispatch(ctx, cmd, os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "fixtures load":
		return runFixturesLoad(ctx, args)
	case "fixtures list":
		return runFixturesList(ctx, args)
	case "fixture add":
		return runFixtureAdd(ctx, args)
	case "intersection group":
		return runIntersectionGroup(ctx, args)
	case "intersection list":
		return runIntersectionList(ctx, args)
	case "detector register":
		return runDetectorRegister(ctx, args)
	case "detector list":
		return runDetectorList(ctx, args)
	case "publish":
		return runPublish(ctx, args)
	case "durations":
		return runDurations(ctx, args)
	case "sinks":
		return runSinks(ctx, args)
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", envOrDefault("SW_CONFIG", "config/config.yaml"), "Path to YAML config")
	return fs, path
}

func openDB(ctx context.Context, configPath string) (config.Config, *storage.DB, error) {
	cfg, err := config.Load(configPath, false)
	if err != nil {
		return config.Config{}, nil, err
	}
	db, err := storage.Open(ctx, cfg.SQLite)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return config.Config{}, nil, err
	}
	return cfg, db, nil
}

// FixtureSpec is one entry of a fixtures file.
type FixtureSpec struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	IntersectionID string `json:"intersection_id"`
	DetectorID     int64  `json:"detector_id"`
	RedBit         int    `json:"red_bit"`
	GreenBit       int    `json:"green_bit"`
}

func provision(ctx context.Context, tx *storage.Tx, f FixtureSpec) (int64, error) {
	id, err := tx.UpsertFixture(ctx, storage.Fixture{
		Name:           f.Name,
		Location:       f.Location,
		IntersectionID: f.IntersectionID,
	})
	if err != nil {
		return 0, err
	}
	if f.DetectorID > 0 {
		if err := tx.MapFixture(ctx, id, f.DetectorID, f.RedBit, f.GreenBit); err != nil {
			return 0, fmt.Errorf("fixture %q: %w", f.Name, err)
		}
	}
	return id, nil
}

func runFixturesLoad(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("fixtures load")
	file := fs.String("file", "", "JSON file with an array of fixtures")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("-file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var specs []FixtureSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	err = db.InTx(ctx, func(tx *storage.Tx) error {
		for _, f := range specs {
			if _, err := provision(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d fixtures\n", len(specs))
	return nil
}

func runFixtureAdd(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("fixture add")
	var f FixtureSpec
	fs.StringVar(&f.Name, "name", "", "Fixture name (unique)")
	fs.StringVar(&f.Location, "location", "", "\"lat, lng\" or free text")
	fs.StringVar(&f.IntersectionID, "intersection", storage.DefaultIntersection, "Intersection id")
	fs.Int64Var(&f.DetectorID, "detector", 0, "Detector id driving the fixture (0: no mapping)")
	fs.IntVar(&f.RedBit, "red", 0, "Channel bit of the RED lamp")
	fs.IntVar(&f.GreenBit, "green", 1, "Channel bit of the GREEN lamp")
	_ = fs.Parse(args)
	if f.Name == "" {
		return errors.New("-name is required")
	}

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var id int64
	err = db.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		id, err = provision(ctx, tx, f)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("Fixture %q has id %d\n", f.Name, id)
	return nil
}

func runIntersectionGroup(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("intersection group")
	id := fs.String("id", "", "Intersection id")
	list := fs.String("fixtures", "", "Comma-separated fixture ids")
	_ = fs.Parse(args)
	if *id == "" || *list == "" {
		return errors.New("-id and -fixtures are required")
	}

	var ids []int64
	for _, s := range strings.Split(*list, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("fixture id %q: %w", s, err)
		}
		ids = append(ids, v)
	}

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := db.AssignIntersection(ctx, *id, ids)
	if err != nil {
		return err
	}
	fmt.Printf("Moved %d of %d fixtures to %s\n", n, len(ids), *id)
	return nil
}

func runIntersectionList(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("intersection list")
	_ = fs.Parse(args)

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	groups, err := db.Intersections(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t(%d fixtures)\n", g.ID, g.Fixtures)
		members, err := db.IntersectionFixtures(ctx, g.ID)
		if err != nil {
			return err
		}
		for _, m := range members {
			st := m.State
			if st == "" {
				st = string(state.Unknown)
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", m.ID, m.Name, st, m.Location)
		}
	}
	return w.Flush()
}

func runFixturesList(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("fixtures list")
	_ = fs.Parse(args)

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return listFixtures(ctx, db, os.Stdout)
}

func listFixtures(ctx context.Context, db *storage.DB, out io.Writer) error {
	fixtures, err := db.Fixtures(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINTERSECTION\tLOCATION")
	for _, f := range fixtures {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.ID, f.Name, f.IntersectionID, f.Location)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%d fixtures\n", len(fixtures))
	return err
}

func runDetectorList(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("detector list")
	secrets := fs.Bool("secrets", false, "Print secrets instead of masking them")
	_ = fs.Parse(args)

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return listDetectors(ctx, db, os.Stdout, *secrets)
}

func listDetectors(ctx context.Context, db *storage.DB, out io.Writer, secrets bool) error {
	detectors, err := db.Detectors(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tSECRET\tCREATED")
	for _, d := range detectors {
		secret := "********"
		if secrets {
			secret = d.Secret
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", d.ID, d.Username, secret,
			time.Unix(d.CreatedAt, 0).UTC().Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%d detectors\n", len(detectors))
	return err
}

func runDetectorRegister(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("detector register")
	id := fs.Int64("id", 0, "Detector id")
	username := fs.String("username", "", "Explicit username instead of detector-<id>")
	_ = fs.Parse(args)
	if *id == 0 && *username == "" {
		return errors.New("-id or -username is required")
	}

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	prov := credentials.NewProvisioner(db, nil)
	var creds credentials.Credentials
	if *username != "" {
		creds, err = prov.Register(ctx, *username)
	} else {
		creds, err = prov.Ensure(ctx, *id)
	}
	if err != nil {
		return err
	}

	verb := "Existing"
	if creds.Created {
		verb = "Created"
	}
	fmt.Printf("%s credentials\n  username: %s\n  secret:   %s\n", verb, creds.Username, creds.Secret)
	return nil
}

func runPublish(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("publish")
	detector := fs.Int64("detector", 1, "Detector id")
	redMask := fs.Uint("red-mask", 1, "Channel mask during the RED phase")
	greenMask := fs.Uint("green-mask", 2, "Channel mask during the GREEN phase")
	red := fs.Duration("red", 30*time.Second, "RED phase length")
	green := fs.Duration("green", 60*time.Second, "GREEN phase length")
	interval := fs.Duration("interval", time.Second, "Time between frames")
	count := fs.Int("count", 0, "Frames to send (0: until interrupted)")
	_ = fs.Parse(args)

	cfg, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	creds, err := credentials.NewProvisioner(db, nil).Ensure(ctx, *detector)
	_ = db.Close()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log, "signalctl")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tcfg := cfg.Transport
	if tcfg.MQTT.Username == "" {
		tcfg.MQTT.Username, tcfg.MQTT.Password = creds.Username, creds.Secret
	}
	tcfg.MQTT.ClientID = transport.ClientID("", creds.Username)
	tr, err := transport.Open(tcfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	gen := &telemetry.Generator{
		DetectorID: *detector,
		RedMask:    uint32(*redMask),
		GreenMask:  uint32(*greenMask),
		Red:        *red,
		Green:      *green,
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		f := gen.Next(time.Now())
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := tr.Publish(pctx, telemetry.EncodePayload(f))
		cancel()
		if err != nil {
			log.Warn("publish failed", zap.Uint64("counter", f.Counter), zap.Error(err))
		} else {
			log.Info("frame published",
				zap.Int64("detector_id", f.DetectorID),
				zap.Uint64("counter", f.Counter),
				zap.String("channels", fmt.Sprintf("%032b", f.Channels)))
		}
		if *count > 0 && gen.Counter() >= uint64(*count) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runDurations(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("durations")
	fixture := fs.Int64("fixture", 0, "Fixture id")
	history := fs.Int("history", 20, "Recent state records to show")
	_ = fs.Parse(args)
	if *fixture == 0 {
		return errors.New("-fixture is required")
	}

	_, db, err := openDB(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f, ok, err := db.Fixture(ctx, *fixture)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fixture %d not found", *fixture)
	}
	fmt.Printf("Fixture %d %q (%s)\n\n", f.ID, f.Name, f.IntersectionID)

	stats, err := db.StatsForFixture(ctx, f.ID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSITION\tAVG SECONDS\tSAMPLES\tLAST UPDATED")
	for _, s := range stats {
		fmt.Fprintf(w, "%s -> %s\t%.1f\t%d\t%s\n", s.PreviousState, s.NextState, s.Duration, s.SampleCount,
			time.Unix(s.LastUpdated, 0).UTC().Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	recent, err := db.RecentStates(ctx, f.ID, *history)
	if err != nil {
		return err
	}
	fmt.Printf("\nRecent states (newest first):\n")
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for i, r := range recent {
		ts := state.ParseStored(r.Timestamp)
		when := r.Timestamp + " (unreadable)"
		if ts.Valid() {
			when = ts.Time.Format(time.RFC3339)
		}
		dwell := ""
		if i+1 < len(recent) {
			if prev := state.ParseStored(recent[i+1].Timestamp); prev.Valid() && ts.Valid() {
				dwell = fmt.Sprintf("after %s", ts.Time.Sub(prev.Time))
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", when, r.State, dwell)
	}
	return w.Flush()
}

func runSinks(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("sinks")
	detector := fs.Int64("detector", 0, "Count archived frames of this detector only")
	fixture := fs.Int64("fixture", 0, "Show exported statistics of this fixture")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath, false)
	if err != nil {
		return err
	}
	if !cfg.ClickHouse.Enabled && !cfg.Postgres.Enabled {
		return errors.New("neither clickhouse nor postgres is enabled")
	}

	sinks, err := storage.OpenSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sinks.Close() }()

	if sinks.CH != nil {
		n, err := sinks.CH.CountArchived(ctx, *detector)
		if err != nil {
			return err
		}
		if *detector > 0 {
			fmt.Printf("Archived frames (detector %d): %d\n", *detector, n)
		} else {
			fmt.Printf("Archived frames: %d\n", n)
		}
	}

	if sinks.PG != nil && *fixture > 0 {
		stats, err := sinks.PG.TransitionStats(ctx, cfg.Export.Site, *fixture)
		if err != nil {
			return err
		}
		fmt.Printf("\nExported statistics (site %s, fixture %d):\n", cfg.Export.Site, *fixture)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TRANSITION\tAVG SECONDS\tSAMPLES\tLAST UPDATED")
		for _, s := range stats {
			fmt.Fprintf(w, "%s -> %s\t%.1f\t%d\t%s\n", s.PreviousState, s.NextState, s.Duration, s.SampleCount,
				time.Unix(s.LastUpdated, 0).UTC().Format(time.RFC3339))
		}
		return w.Flush()
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
