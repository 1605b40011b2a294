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
	"strings"
	"syscall"
	"time"

	"tweetq/internal/app"
	"tweetq/internal/config"
	"tweetq/internal/httpapi"
	"tweetq/internal/posting"
	"tweetq/internal/queue"
)

const usage = `usage: tweetq <command> [flags]

commands:
  run       start the scheduler daemon
  check     validate a config file
  enqueue   add a tweet (text from -text or stdin)
  edit      replace the text of a queued tweet
  list      list tweets
  remove    delete a tweet
  schedule  show or change the posting cadence
  events    show recent lifecycle events
  tick      ask the daemon to evaluate the queue head now
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runDaemon(args)
	case "check":
		err = runCheck(args)
	case "enqueue", "edit", "list", "remove", "schedule", "events", "tick":
		err = runClient(cmd, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	envFile := fs.String("env-file", ".env", "dotenv file with secrets (missing is fine)")
	_ = fs.Parse(args)

	if _, err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, *cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	envFile := fs.String("env-file", ".env", "dotenv file with secrets (missing is fine)")
	_ = fs.Parse(args)

	if _, err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	m := config.NewManager(*cfgPath)
	if _, err := m.Load(context.Background()); err != nil {
		return err
	}
	fmt.Println("config ok:", m.Path())
	return nil
}

func runClient(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("api", envOr("TWEETQ_API_ADDR", config.DefaultHTTPAddr), "daemon API address")
	tok := fs.String("token", os.Getenv("TWEETQ_API_TOKEN"), "API bearer token")
	text := fs.String("text", "", "tweet text (enqueue, edit); '-' or empty reads stdin")
	media := fs.String("media", "", "comma-separated media references (enqueue, edit)")
	status := fs.String("status", "", "comma-separated status filter (list)")
	enable := fs.String("enable", "", "true|false (schedule)")
	cadence := fs.String("cadence", "", "hourly|daily|custom (schedule)")
	interval := fs.Int("interval", -1, "hours for custom cadence (schedule)")
	window := fs.Int("window", -1, "random window in minutes (schedule)")
	limit := fs.Int("limit", 20, "number of events (events)")
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := httpapi.NewClient(*addr, *tok)
	out := printer{json: *asJSON, w: os.Stdout}

	switch cmd {
	case "enqueue", "edit":
		d, err := draftFrom(*text, *media, os.Stdin)
		if err != nil {
			return err
		}
		var t queue.Tweet
		if cmd == "enqueue" {
			t, err = c.Enqueue(ctx, d)
		} else {
			id, ierr := oneID(fs)
			if ierr != nil {
				return ierr
			}
			t, err = c.Edit(ctx, id, d)
		}
		if err != nil {
			return err
		}
		return out.tweets([]queue.Tweet{t})

	case "list":
		var filter []queue.Status
		for _, part := range splitList(*status) {
			st, ok := queue.ParseStatus(part)
			if !ok {
				return fmt.Errorf("unknown status %q", part)
			}
			filter = append(filter, st)
		}
		ts, err := c.List(ctx, filter...)
		if err != nil {
			return err
		}
		return out.tweets(ts)

	case "remove":
		id, err := oneID(fs)
		if err != nil {
			return err
		}
		if err := c.Remove(ctx, id); err != nil {
			return err
		}
		fmt.Println("removed", id)
		return nil

	case "schedule":
		cfg, err := c.PostingConfig(ctx)
		if err != nil {
			return err
		}
		changed := false
		if *enable != "" {
			switch strings.ToLower(*enable) {
			case "true", "on", "yes", "1":
				cfg.Enabled = true
			case "false", "off", "no", "0":
				cfg.Enabled = false
			default:
				return fmt.Errorf("-enable: want true or false, got %q", *enable)
			}
			changed = true
		}
		if *cadence != "" {
			cfg.Cadence = posting.Cadence(strings.ToLower(*cadence))
			changed = true
		}
		if *interval >= 0 {
			cfg.Interval = *interval
			changed = true
		}
		if *window >= 0 {
			cfg.RandomWindow = *window
			changed = true
		}
		if changed {
			if cfg, err = c.UpdatePostingConfig(ctx, cfg); err != nil {
				return err
			}
		}
		return out.value(cfg, func(w io.Writer) {
			next := "-"
			if cfg.NextPostTime != nil {
				next = cfg.NextPostTime.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "enabled=%t cadence=%s interval=%dh window=%dm next=%s\n",
				cfg.Enabled, cfg.Cadence, cfg.Interval, cfg.RandomWindow, next)
		})

	case "events":
		items, err := c.Events(ctx, *limit)
		if err != nil {
			return err
		}
		return out.value(items, func(w io.Writer) {
			for _, it := range items {
				fmt.Fprintf(w, "%s  %s\n", it.At.Local().Format(time.DateTime), it.Event.Summary())
			}
		})

	case "tick":
		if err := c.Tick(ctx); err != nil {
			return err
		}
		fmt.Println("tick scheduled")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func draftFrom(text, media string, stdin io.Reader) (queue.Draft, error) {
	if text == "" || text == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return queue.Draft{}, err
		}
		text = strings.TrimRight(string(b), "\n")
	}
	return queue.Draft{Text: text, Media: splitList(media)}, nil
}

func oneID(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", errors.New(fs.Name() + ": expected exactly one tweet id")
	}
	return fs.Arg(0), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

type printer struct {
	json bool
	w    io.Writer
}

func (p printer) value(v any, human func(io.Writer)) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(p.w)
	return nil
}

func (p printer) tweets(ts []queue.Tweet) error {
	return p.value(ts, func(w io.Writer) {
		if len(ts) == 0 {
			fmt.Fprintln(w, "(empty)")
			return
		}
		for _, t := range ts {
			line := strings.ReplaceAll(t.Text, "\n", " ")
			if r := []rune(line); len(r) > 60 {
				line = string(r[:57]) + "..."
			}
			extra := ""
			if t.LastError != nil {
				extra = fmt.Sprintf(" last_error=%s", t.LastError.Kind)
			}
			if t.Paused {
				extra += " paused"
			}
			fmt.Fprintf(w, "%-12s %-11s attempts=%d%s  %s\n", t.ID, t.Status, t.Attempts, extra, line)
		}
	})
}
