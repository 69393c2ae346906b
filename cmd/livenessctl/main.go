// livenessctl is the offline companion of livenessd: it replays recorded
// frames through the scoring pipeline and inspects the weight tables,
// stored sessions and the governance decision log.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"livenessd/internal/config"
	"livenessd/internal/score"
	"livenessd/internal/security"
	"livenessd/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	envFile    = flag.String("env", ".env", "dotenv file loaded before the config")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	if *envFile != "" {
		_ = godotenv.Load(*envFile)
	}

	args := flag.Args()[1:]
	var err error
	switch cmd := flag.Arg(0); cmd {
	case "replay":
		err = cmdReplay(args)
	case "weights":
		err = cmdWeights(args)
	case "sessions":
		err = cmdSessions(args)
	case "decisions":
		err = cmdDecisions(args)
	case "config":
		err = cmdConfig(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `livenessctl - Offline tools for livenessd

Usage: livenessctl [options] <command> [args]

Commands:
  replay <dir>        Score a directory of image frames and print the report
  weights             Print a scoring weight table
  sessions            List stored sessions and their last score
  decisions           List or verify recorded governance decisions
  config init [path]  Write a default config file
  config check        Validate the config file
  config show         Print the effective config
  help                Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)
  -env <file>     Dotenv file loaded first (default: .env)`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printEncoded(v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q (json, yaml)", format)
	}
}

func cmdWeights(args []string) error {
	fs := flag.NewFlagSet("weights", flag.ExitOnError)
	version := fs.String("version", "", "table version (default: configured)")
	format := fs.String("format", "json", "output format: json, yaml")
	list := fs.Bool("list", false, "list the built-in versions")
	fs.Parse(args)

	if *list {
		for _, v := range score.Versions() {
			mark := " "
			if v == score.DefaultVersion {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, v)
		}
		return nil
	}

	var (
		w   score.Weights
		err error
	)
	if *version != "" {
		w, err = score.Table(*version)
	} else {
		var cfg *config.Config
		if cfg, err = loadConfig(); err == nil {
			w, err = cfg.Weights()
		}
	}
	if err != nil {
		return err
	}
	return printEncoded(w, *format)
}

func cmdSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum sessions to list")
	history := fs.String("id", "", "print the score history of one session")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	if *history != "" {
		scores, err := st.ListScores(ctx, *history, *limit)
		if err != nil {
			return err
		}
		for _, s := range scores {
			fmt.Printf("%s  %3d  %-8s  %s\n", s.ComputedAt.Format(time.RFC3339), s.Score, s.Level, s.WeightsVersion)
		}
		evals, err := st.ListEvaluations(ctx, *history)
		if err != nil {
			return err
		}
		for _, e := range evals {
			outcome := e.RiskLevel
			if e.ErrorKind != "" {
				outcome = e.ErrorKind + ": " + e.ErrorDetail
			}
			fmt.Printf("evaluation %s  %-9s  score=%d  %s\n", e.ID, e.Status, e.Score, outcome)
		}
		return nil
	}

	sessions, err := st.ListSessions(ctx, *limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		last := "-"
		if s.LastScore != nil {
			last = fmt.Sprint(*s.LastScore)
		}
		fmt.Printf("%-26s  %-8s  score=%-3s  %s", s.ID, s.State, last, s.CreatedAt.Format(time.RFC3339))
		if s.Error != "" {
			fmt.Printf("  (%s)", s.Error)
		}
		fmt.Println()
	}
	return nil
}

func cmdDecisions(args []string) error {
	fs := flag.NewFlagSet("decisions", flag.ExitOnError)
	sessionID := fs.String("session", "", "only decisions for this session")
	limit := fs.Int("limit", 50, "maximum decisions to list")
	verify := fs.Bool("verify", false, "verify the hash chain instead of listing")
	asJSON := fs.Bool("json", false, "print JSON")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	master, err := security.ReadSecureFile(cfg.Storage.MasterKeyPath, 1024)
	if err != nil {
		return fmt.Errorf("read master key: %w", err)
	}
	key, err := security.DecisionLogKey(master)
	security.Wipe(master)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Governance.StoragePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	dl, openErr := st.DecisionLog(ctx, key)
	if dl == nil {
		return openErr
	}

	if *verify {
		rep := dl.Report(ctx)
		if *asJSON {
			return printEncoded(rep, "json")
		}
		if rep.OK {
			fmt.Printf("Decision log OK: %d entries, head %s\n", rep.Entries, rep.ChainHash)
			return nil
		}
		return fmt.Errorf("decision log verification failed after %d entries: %s", rep.Entries, rep.Error)
	}
	if openErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", openErr)
	}

	recs, err := dl.List(ctx, *sessionID, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printEncoded(recs, "json")
	}
	for _, r := range recs {
		flags := strings.Join(r.Flags, ",")
		if flags == "" {
			flags = "-"
		}
		fmt.Printf("#%-5d %s  %-6s  score=%-5.1f  %s  %s\n",
			r.ID, r.Timestamp.Format(time.RFC3339), r.RiskLevel, r.TrustScore, r.SessionID, flags)
	}
	return nil
}

func cmdConfig(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: livenessctl config init|check|show")
	}
	switch args[0] {
	case "init":
		path := *configPath
		if len(args) > 1 {
			path = args[1]
		}
		if path == "" {
			path = config.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil

	case "check":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		problems := config.Check(cfg)
		for _, w := range problems.Warnings() {
			fmt.Printf("warning: %s\n", w.Error())
		}
		if errs := problems.Errors(); len(errs) > 0 {
			for _, e := range errs {
				fmt.Printf("error: %s\n", e.Error())
			}
			return fmt.Errorf("%d config errors", len(errs))
		}
		fmt.Println("Config OK")
		return nil

	case "show":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ext := ".toml"
		if *configPath != "" {
			if e := filepath.Ext(*configPath); e != "" {
				ext = e
			}
		}
		data, err := config.Encode(cfg, ext)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	}
	return fmt.Errorf("unknown config command %q", args[0])
}
