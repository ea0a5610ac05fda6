package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tgpipeline/internal/config"
	"tgpipeline/internal/handler"
	"tgpipeline/internal/logging"
	"tgpipeline/internal/metrics"
	"tgpipeline/internal/notify"
	"tgpipeline/internal/pipeline"
	"tgpipeline/internal/server"
	"tgpipeline/internal/telegram"
)

const usage = `usage: pipeline [command] [flags]

commands:
  run     execute the pipeline once (default)
  serve   run the pipeline service: HTTP trigger, optional schedule and bot
  login   create the Telegram session file interactively

flags:
  -config path   YAML config file (default configs/config.yml)
  -stages list   comma-separated stages for "run" (default: all)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pipeline:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd, rest := splitCommand(args)

	fs := flag.NewFlagSet("pipeline "+cmd, flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	cfgPath := fs.String("config", "configs/config.yml", "path to the YAML config file")
	stagesFlag := fs.String("stages", "", "comma-separated stages to run")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "login":
		return runLogin(ctx, cfg, os.Stdin, logger)
	case "serve":
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(ctx, cfg, logger)
	case "run":
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runOnce(ctx, cfg, parseStages(*stagesFlag), logger)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

// splitCommand separates the subcommand from its flags. A leading flag
// means the default "run" command.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "run", args
	}
	return args[0], args[1:]
}

func parseStages(s string) []string {
	var stages []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			stages = append(stages, part)
		}
	}
	return stages
}

func runOnce(ctx context.Context, cfg *config.Config, stages []string, logger *zap.Logger) error {
	orch, err := pipeline.NewDefault(cfg, nil, logger)
	if err != nil {
		return err
	}
	bot, err := notify.NewBot(cfg.Notify, orch, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram bot, continuing without it", zap.Error(err))
	} else if bot != nil {
		orch.SetNotifier(bot)
	}

	result, err := orch.Run(ctx, pipeline.Options{Stages: stages, Trigger: "cli"})
	if err != nil {
		return err
	}
	if result.Status != pipeline.StatusSucceeded {
		return fmt.Errorf("pipeline run %s failed: stages %s did not succeed", result.ID, strings.Join(result.Failed(), ", "))
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	orch, err := pipeline.NewDefault(cfg, collector, logger)
	if err != nil {
		return err
	}

	bot, err := notify.NewBot(cfg.Notify, orch, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram bot, continuing without it", zap.Error(err))
		bot = nil
	}
	if bot != nil {
		orch.SetNotifier(bot)
	}

	srv := server.NewPipelineServer(handler.NewPipelineHandler(ctx, orch, logger), server.Options{
		AllowOrigins: cfg.Server.AllowOrigins,
		Gatherer:     reg,
		Collector:    collector,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, ":"+cfg.Server.PipelinePort)
	})
	if cfg.Pipeline.Interval > 0 {
		g.Go(func() error {
			orch.Schedule(gctx, cfg.Pipeline.Interval)
			return nil
		})
	}
	if bot != nil {
		g.Go(func() error {
			return bot.Start(gctx)
		})
	}

	err = g.Wait()
	logger.Info("Application stopped.")
	return err
}

func runLogin(ctx context.Context, cfg *config.Config, in io.Reader, logger *zap.Logger) error {
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" || cfg.Telegram.SessionFile == "" {
		return errors.New("TG_API_ID, TG_API_HASH and SESSION_FILE_PATH are required for login")
	}
	reader := bufio.NewReader(in)
	prompt := func(ctx context.Context) (string, error) {
		fmt.Fprint(os.Stderr, "Enter the code Telegram sent you: ")
		return reader.ReadString('\n')
	}
	return telegram.Login(ctx, &cfg.Telegram, prompt, logger)
}
