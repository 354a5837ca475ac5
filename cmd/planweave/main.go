package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/adapters"
	"github.com/planweave/planweave/internal/builder"
	"github.com/planweave/planweave/internal/cache"
	"github.com/planweave/planweave/internal/evaluator"
	"github.com/planweave/planweave/internal/eventbus"
	"github.com/planweave/planweave/internal/executor"
	"github.com/planweave/planweave/internal/provider/openai"
	"github.com/planweave/planweave/internal/scheduler"
	"github.com/planweave/planweave/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	planPath := flag.String("plan", "", "execute a YAML plan file instead of generating a plan")
	saveDir := flag.String("save-dir", "output", "directory the save_file tool writes to")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := &planweave.StdLogger{}

	cfg := planweave.DefaultConfig()
	if *configPath != "" {
		loaded, err := planweave.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	provider, err := selectProvider(ctx, logger)
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	registry, err := tools.SetupTools(*saveDir)
	if err != nil {
		log.Fatalf("tools: %v", err)
	}

	var bus eventbus.EventBus
	if cfg.EnableEventBus {
		bus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBusBufferSize),
			eventbus.WithWorkerCount(cfg.EventBusWorkerCount),
			eventbus.WithLogger(logger),
		)
		defer bus.Close()
	}

	notifier := &consoleNotifier{}
	judge := evaluator.New(provider, cfg.JudgeModel, logger)

	exec := executor.New(provider, registry, cfg,
		executor.WithLogger(logger),
		executor.WithNotifier(notifier),
		executor.WithHumanInput(&consoleHumanInput{}),
		executor.WithEvaluator(judge),
		executor.WithEventBus(bus),
	)
	sched := scheduler.New(exec, cfg,
		scheduler.WithLogger(logger),
		scheduler.WithNotifier(notifier),
		scheduler.WithEventBus(bus),
	)

	if *planPath != "" {
		runPlanFile(ctx, sched, *planPath)
		return
	}

	goal := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: planweave [flags] <goal>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	planCache := cache.NewInMemoryCache(10*time.Minute, logger)
	bldr := builder.New(provider, registry, cfg,
		builder.WithLogger(logger),
		builder.WithCache(planCache),
		builder.WithEventBus(bus),
	)

	engine, err := planweave.New(
		planweave.WithConfig(cfg),
		planweave.WithBuilder(bldr),
		planweave.WithRunner(sched),
		planweave.WithEventBus(bus),
		planweave.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	deliverable, err := engine.Run(ctx, goal)
	if deliverable != "" {
		fmt.Println(deliverable)
	}
	if err != nil {
		log.Fatalf("run: %v", err)
	}
}

// selectProvider picks the model backend: OpenAI when OPENAI_API_KEY is
// set, otherwise a Genkit instance configured through its own plugins.
func selectProvider(ctx context.Context, logger planweave.Logger) (planweave.CompletionProvider, error) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		opts := []openai.Option{openai.WithLogger(logger)}
		if url := os.Getenv("OPENAI_API_URL"); url != "" {
			opts = append(opts, openai.WithAPIURL(url))
		}
		return openai.New(apiKey, opts...)
	}

	g, err := genkit.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("genkit initialization failed: %w", err)
	}
	return adapters.NewGenkitProvider(g, adapters.WithGenkitLogger(logger))
}

func runPlanFile(ctx context.Context, sched *scheduler.Scheduler, path string) {
	plan, err := scheduler.LoadPlanFile(path)
	if err != nil {
		log.Fatalf("plan file: %v", err)
	}
	deliverable, err := sched.Run(ctx, plan)
	if deliverable != "" {
		fmt.Println(deliverable)
	}
	if err != nil {
		log.Fatalf("run: %v", err)
	}
}

// consoleNotifier prints progress to stdout.
type consoleNotifier struct{}

func (consoleNotifier) Status(_ context.Context, level string, message string, done bool) {
	marker := "..."
	if done {
		marker = "done"
	}
	fmt.Printf("[%s] %s (%s)\n", level, message, marker)
}

func (consoleNotifier) Message(_ context.Context, content string) {
	fmt.Println(content)
}

func (consoleNotifier) Replace(_ context.Context, content string) {
	// Terminals get no live diagram updates, only the text stream.
}

// consoleHumanInput reads escalation answers from stdin. Accepted answers
// are "approve", "abort", and "retry" with optional guidance after it.
type consoleHumanInput struct{}

func (consoleHumanInput) Ask(ctx context.Context, prompt string, timeout time.Duration) (planweave.HumanDirective, string, error) {
	fmt.Println(prompt)
	fmt.Print("> ")

	lines := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		lines <- strings.TrimSpace(line)
	}()

	select {
	case <-ctx.Done():
		return planweave.DirectiveAbort, "", ctx.Err()
	case <-time.After(timeout):
		return planweave.DirectiveAbort, "", fmt.Errorf("no answer within %s", timeout)
	case line := <-lines:
		lower := strings.ToLower(line)
		switch {
		case lower == "approve":
			return planweave.DirectiveApprove, line, nil
		case lower == "abort":
			return planweave.DirectiveAbort, line, nil
		case strings.HasPrefix(lower, "retry"):
			guidance := strings.TrimSpace(strings.TrimPrefix(line, "retry"))
			return planweave.DirectiveRetry, guidance, nil
		default:
			// Anything else is treated as retry guidance.
			return planweave.DirectiveRetry, line, nil
		}
	}
}
