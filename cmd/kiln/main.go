package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/kiln/internal/api"
	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/doctor"
	"github.com/mattjoyce/kiln/internal/engine"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/registry"
	"github.com/mattjoyce/kiln/internal/store"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "project":
		os.Exit(runProjectNoun(args))
	case "dataset":
		os.Exit(runDatasetNoun(args))
	case "run":
		os.Exit(runRunNoun(args))
	case "model":
		os.Exit(runModelNoun(args))
	case "export":
		os.Exit(runExportNoun(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "version":
		fmt.Printf("kiln version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`kiln - workspace orchestration and run supervision engine

Usage:
  kiln <noun> <action> [flags]

Commands:
  serve             Run the engine with the HTTP API in the foreground

  project create    Create a project (--name, --description)
  project list      List projects
  project get       Show one project (--id)
  project delete    Delete a project's records (--id); files are kept

  dataset import    Import a data directory (--project, --name, --source, --mode copy|reference)
  dataset list      List a project's datasets (--project)

  run start         Launch a training run (--project, --dataset, --name, --param k=v, --wait)
  run list          List a project's runs (--project)
  run cancel        Cancel a running run (--id)

  model register    Register a model version from a succeeded run (--project, --run, --name, --version)
  model promote     Move a version forward (--version-id, --stage)
  model list        List a project's models (--project), or all versions (--all)
  model versions    List versions of one model (--model)

  export create     Package a model version (--project, --version-id, --type archive|build-context)
  export list       List a project's exports (--project)

  doctor            Check workspace health (--reconcile to repair orphaned runs)
  version           Show version information

Global flags (every action):
  --config <path>   Configuration file (defaults apply when omitted)
`)
}

// withEngine loads config, opens the workspace, runs fn, and closes.
func withEngine(configPath string, fn func(ctx context.Context, e *engine.Engine) error) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	e, err := engine.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close()

	if err := fn(ctx, e); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- serve ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	listen := fs.String("listen", "", "listen address override")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close()

	srv := api.New(api.Config{Listen: cfg.API.Listen}, e)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// --- project ---

func runProjectNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiln project <create|list|get|delete> [flags]")
		return 1
	}
	action, actionArgs := args[0], args[1:]

	fs := flag.NewFlagSet("project "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	name := fs.String("name", "", "project name")
	description := fs.String("description", "", "project description")
	id := fs.String("id", "", "project id")
	_ = fs.Parse(actionArgs)

	switch action {
	case "create":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			p, err := e.CreateProject(ctx, *name, *description)
			if err != nil {
				return err
			}
			return printJSON(p)
		})
	case "list":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.ListProjects(ctx)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	case "get":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			p, err := e.GetProject(ctx, *id)
			if err != nil {
				return err
			}
			return printJSON(p)
		})
	case "delete":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			if err := e.DeleteProject(ctx, *id); err != nil {
				return err
			}
			fmt.Printf("project %s deleted (files kept on disk)\n", *id)
			return nil
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown project action: %s\n", action)
		return 1
	}
}

// --- dataset ---

func runDatasetNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiln dataset <import|list> [flags]")
		return 1
	}
	action, actionArgs := args[0], args[1:]

	fs := flag.NewFlagSet("dataset "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	project := fs.String("project", "", "project id")
	name := fs.String("name", "", "dataset name")
	source := fs.String("source", "", "source directory")
	mode := fs.String("mode", "copy", "storage mode: copy or reference")
	_ = fs.Parse(actionArgs)

	switch action {
	case "import":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			d, err := e.ImportDataset(ctx, *project, *name, *source, store.StorageMode(*mode))
			if err != nil {
				return err
			}
			return printJSON(d)
		})
	case "list":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.ListDatasets(ctx, *project)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown dataset action: %s\n", action)
		return 1
	}
}

// --- run ---

// paramFlags collects repeated --param key=value pairs.
type paramFlags map[string]any

func (p paramFlags) String() string { return fmt.Sprintf("%v", map[string]any(p)) }

func (p paramFlags) Set(v string) error {
	for i := 0; i < len(v); i++ {
		if v[i] == '=' {
			p[v[:i]] = v[i+1:]
			return nil
		}
	}
	return fmt.Errorf("expected key=value, got %q", v)
}

func runRunNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiln run <start|list|cancel> [flags]")
		return 1
	}
	action, actionArgs := args[0], args[1:]

	fs := flag.NewFlagSet("run "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	project := fs.String("project", "", "project id")
	datasetID := fs.String("dataset", "", "dataset id")
	name := fs.String("name", "", "run name")
	id := fs.String("id", "", "run id")
	wait := fs.Bool("wait", false, "block until the run settles")
	params := paramFlags{}
	fs.Var(params, "param", "training parameter key=value (repeatable)")
	_ = fs.Parse(actionArgs)

	switch action {
	case "start":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			run, err := e.StartRun(ctx, *project, *datasetID, *name, params)
			if err != nil {
				return err
			}
			if *wait {
				<-e.WaitRun(run.ID)
				run, err = e.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
			}
			return printJSON(run)
		})
	case "list":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.ListRuns(ctx, *project)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	case "cancel":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			if err := e.CancelRun(ctx, *id); err != nil {
				return err
			}
			run, err := e.GetRun(ctx, *id)
			if err != nil {
				return err
			}
			return printJSON(run)
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown run action: %s\n", action)
		return 1
	}
}

// --- model ---

func runModelNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiln model <register|promote|list|versions> [flags]")
		return 1
	}
	action, actionArgs := args[0], args[1:]

	fs := flag.NewFlagSet("model "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	project := fs.String("project", "", "project id")
	runID := fs.String("run", "", "run id")
	name := fs.String("name", "", "model name")
	versionLabel := fs.String("version", "", "version label (defaults to v<n>)")
	versionID := fs.String("version-id", "", "model version id")
	modelID := fs.String("model", "", "model id")
	stage := fs.String("stage", "", "target stage: staging, production, archived")
	metrics := fs.String("metrics", "", "metrics JSON to attach")
	all := fs.Bool("all", false, "list versions across every project")
	_ = fs.Parse(actionArgs)

	switch action {
	case "register":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			v, err := e.RegisterModel(ctx, registry.RegisterParams{
				ProjectID: *project,
				RunID:     *runID,
				ModelName: *name,
				Version:   *versionLabel,
				Metrics:   *metrics,
			})
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	case "promote":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			v, err := e.PromoteModelVersion(ctx, *versionID, store.Stage(*stage))
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	case "list":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			if *all {
				list, err := e.ListAllModelVersions(ctx)
				if err != nil {
					return err
				}
				return printJSON(list)
			}
			list, err := e.ListModels(ctx, *project)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	case "versions":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.ListModelVersions(ctx, *modelID)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown model action: %s\n", action)
		return 1
	}
}

// --- export ---

func runExportNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiln export <create|list> [flags]")
		return 1
	}
	action, actionArgs := args[0], args[1:]

	fs := flag.NewFlagSet("export "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	project := fs.String("project", "", "project id")
	versionID := fs.String("version-id", "", "model version id")
	exportType := fs.String("type", "archive", "export type: archive or build-context")
	_ = fs.Parse(actionArgs)

	switch action {
	case "create":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			rec, err := e.CreateExport(ctx, *project, *versionID, store.ExportType(*exportType))
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	case "list":
		return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.ListExports(ctx, *project)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown export action: %s\n", action)
		return 1
	}
}

// --- doctor ---

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	reconcile := fs.Bool("reconcile", false, "mark orphaned runs as failed")
	_ = fs.Parse(args)

	return withEngine(*configPath, func(ctx context.Context, e *engine.Engine) error {
		report, err := e.Doctor(ctx, doctor.Options{Reconcile: *reconcile})
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Healthy() {
			return fmt.Errorf("workspace has problems, see findings above")
		}
		return nil
	})
}
