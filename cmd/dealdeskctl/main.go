// dealdeskctl is the operator CLI for the learning coordination subsystem:
// pattern lifecycle overrides, distillation approvals, and spend reports.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/config"
	"dealdesk/pkg/distill"
	"dealdesk/pkg/metrics"
	"dealdesk/pkg/patterns"
	"dealdesk/pkg/persistence"
	"dealdesk/pkg/spend"
)

func main() {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}

	group := os.Args[1]
	action := os.Args[2]
	args := os.Args[3:]

	var err error
	switch group {
	case "pattern":
		err = runPattern(action, args)
	case "distill":
		err = runDistill(action, args)
	case "spend":
		err = runSpend(action, args)
	case "audit":
		err = runAudit(action, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command group %q\n\n", group)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "dealdeskctl - learning coordination operator CLI\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s pattern set-stage -id <id> -stage <stage> -actor <who> [-reason <text>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s pattern edit -id <id> -instruction <text> -actor <who> [-reason <text>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s pattern list [-stage <stage>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s distill approve -task <type> -actor <who> [-reason <text>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s distill reject -task <type> -actor <who> [-reason <text>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s distill list\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s spend report [-deal <id>] [-prometheus-url <url>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s audit tail [-deal <id>] [-limit <n>]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Common flags: -config <path> -db <path>\n")
}

// setup loads config, opens the database, and returns a cleanup func.
func setup(configPath, dbPath string) (*config.Config, func(), error) {
	if configPath == "" {
		configPath = config.ConfigFilename
	}
	if dbPath == "" {
		dbPath = config.DatabaseFilename
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := persistence.Initialize(dbPath); err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	cleanup := func() {
		persistence.Close() //nolint:errcheck
	}
	return cfg, cleanup, nil
}

func commonFlags(fs *flag.FlagSet) (configPath, dbPath *string) {
	configPath = fs.String("config", "", "Path to config file")
	dbPath = fs.String("db", "", "Path to database file")
	return configPath, dbPath
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runPattern(action string, args []string) error {
	fs := flag.NewFlagSet("pattern "+action, flag.ExitOnError)
	configPath, dbPath := commonFlags(fs)
	id := fs.String("id", "", "Pattern ID")
	stage := fs.String("stage", "", "Target lifecycle stage")
	instruction := fs.String("instruction", "", "New instruction text")
	actor := fs.String("actor", "", "Who is making the change")
	reason := fs.String("reason", "", "Why the change is being made")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, cleanup, err := setup(*configPath, *dbPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ops := persistence.Ops()
	engine := patterns.NewEngine(ops, cfg, audit.NewRecorder(ops, nil), metrics.NewNopRecorder())

	switch action {
	case "set-stage":
		if *id == "" || *stage == "" || *actor == "" {
			return fmt.Errorf("set-stage requires -id, -stage, and -actor")
		}
		p, err := engine.SetStage(*id, *stage, *actor, *reason)
		if err != nil {
			return err
		}
		return printJSON(p)

	case "edit":
		if *id == "" || *instruction == "" || *actor == "" {
			return fmt.Errorf("edit requires -id, -instruction, and -actor")
		}
		p, err := engine.UpdateInstruction(*id, *instruction, *actor, *reason)
		if err != nil {
			return err
		}
		return printJSON(p)

	case "list":
		stages := []string{
			persistence.StageProposed, persistence.StageConfirmed,
			persistence.StageEstablished, persistence.StageHardRule,
			persistence.StageDecayed, persistence.StageRetired,
		}
		if *stage != "" {
			stages = []string{*stage}
		}
		list, err := engine.ListByStage(stages...)
		if err != nil {
			return err
		}
		return printJSON(list)

	default:
		return fmt.Errorf("unknown pattern action %q", action)
	}
}

func runDistill(action string, args []string) error {
	fs := flag.NewFlagSet("distill "+action, flag.ExitOnError)
	configPath, dbPath := commonFlags(fs)
	task := fs.String("task", "", "Task type")
	actor := fs.String("actor", "", "Who is making the change")
	reason := fs.String("reason", "", "Why the change is being made")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, cleanup, err := setup(*configPath, *dbPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ops := persistence.Ops()
	router := distill.NewRouter(ops, cfg, audit.NewRecorder(ops, nil), metrics.NewNopRecorder())

	switch action {
	case "approve", "reject":
		if *task == "" || *actor == "" {
			return fmt.Errorf("%s requires -task and -actor", action)
		}
		var rc *persistence.RoutingConfig
		if action == "approve" {
			rc, err = router.Approve(*task, *actor, *reason)
		} else {
			rc, err = router.Reject(*task, *actor, *reason)
		}
		if err != nil {
			return err
		}
		return printJSON(rc)

	case "list":
		list, err := router.List()
		if err != nil {
			return err
		}
		return printJSON(list)

	default:
		return fmt.Errorf("unknown distill action %q", action)
	}
}

func runSpend(action string, args []string) error {
	if action != "report" {
		return fmt.Errorf("unknown spend action %q", action)
	}

	fs := flag.NewFlagSet("spend report", flag.ExitOnError)
	configPath, dbPath := commonFlags(fs)
	deal := fs.String("deal", "", "Scope the report to one deal")
	promURL := fs.String("prometheus-url", "", "Query a Prometheus server instead of the local store")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// The Prometheus path needs no local database.
	if *promURL != "" {
		svc, err := metrics.NewQueryService(*promURL)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		byModel, err := svc.GetSpendByModel(ctx)
		if err != nil {
			return err
		}
		return printJSON(byModel)
	}

	cfg, cleanup, err := setup(*configPath, *dbPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ops := persistence.Ops()
	controller := spend.NewController(ops, cfg, audit.NewRecorder(ops, nil), metrics.NewNopRecorder())

	var dealID *string
	if *deal != "" {
		dealID = deal
	}
	total, err := controller.MonthToDate(dealID)
	if err != nil {
		return err
	}
	check, err := controller.CheckLimits(0)
	if err != nil {
		return err
	}

	report := map[string]any{
		"month_to_date_usd": total,
		"cap_usd":           check.Cap,
		"percent_used":      check.PercentUsed,
		"behavior":          check.Behavior,
	}
	if dealID != nil {
		report["deal_id"] = *dealID
	}
	if check.Warning != "" {
		report["warning"] = check.Warning
	}
	return printJSON(report)
}

func runAudit(action string, args []string) error {
	if action != "tail" {
		return fmt.Errorf("unknown audit action %q", action)
	}

	fs := flag.NewFlagSet("audit tail", flag.ExitOnError)
	configPath, dbPath := commonFlags(fs)
	deal := fs.String("deal", "", "Scope to one deal")
	limit := fs.Int("limit", 20, "Number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cleanup, err := setup(*configPath, *dbPath)
	if err != nil {
		return err
	}
	defer cleanup()

	recorder := audit.NewRecorder(persistence.Ops(), nil)

	var entries []*persistence.AuditEntry
	if *deal != "" {
		entries, err = recorder.ByDeal(*deal, *limit)
	} else {
		entries, err = recorder.Recent(*limit)
	}
	if err != nil {
		return err
	}
	return printJSON(entries)
}
