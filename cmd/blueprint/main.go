// Command blueprint runs the brownfield planning orchestrator: it analyzes
// an existing repository, normalizes new requirements, and drives the
// checkpointed planning workflow through its human review gates.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"blueprint/pkg/api"
	"blueprint/pkg/config"
	"blueprint/pkg/knowledge"
	"blueprint/pkg/logx"
	"blueprint/pkg/metrics"
	"blueprint/pkg/store"
	"blueprint/pkg/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blueprint: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("missing command")
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		return cmdInit(args)
	case "serve":
		return cmdServe(args)
	case "start":
		return cmdStart(args)
	case "resume":
		return cmdResume(args)
	case "status":
		return cmdStatus(args)
	case "list":
		return cmdList(args)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: blueprint <command> [flags]

commands:
  init     create project config and encrypted API key store
  serve    run the HTTP API server
  start    start a new planning workflow
  resume   resume a checkpointed workflow
  status   print a session's current state
  list     list stored sessions
`)
}

func projectFlag(fs *flag.FlagSet) *string {
	return fs.String("project-dir", ".", "project directory containing "+config.ConfigDirName)
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := projectFlag(fs)
	name := fs.String("name", "", "project name (defaults to directory name)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	projectName := *name
	if projectName == "" {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return err
		}
		projectName = filepath.Base(abs)
	}

	if err := config.InitConfig(*dir, projectName); err != nil {
		return err
	}
	fmt.Printf("created %s\n", config.ConfigPath(*dir))

	secrets, err := promptSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("no API keys entered; set them via environment variables or rerun init")
		return nil
	}

	password, err := promptPassword("Password to encrypt API keys: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	if err := config.EncryptSecretsFile(*dir, password, secrets); err != nil {
		return err
	}
	fmt.Println("API keys encrypted and saved")
	return nil
}

func promptSecrets() (map[string]string, error) {
	secrets := make(map[string]string)
	prompts := []struct {
		name  string
		label string
	}{
		{config.SecretAnthropicAPIKey, "Anthropic API key"},
		{config.SecretOpenAIAPIKey, "OpenAI API key"},
		{config.SecretGoogleAPIKey, "Google API key"},
	}
	for _, p := range prompts {
		value, err := promptPassword(fmt.Sprintf("%s (blank to skip): ", p.label))
		if err != nil {
			return nil, err
		}
		if value != "" {
			secrets[p.name] = value
		}
	}
	return secrets, nil
}

func promptPassword(label string) (string, error) {
	fmt.Print(label)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	// Piped input, e.g. in scripts
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// bootstrap loads config and secrets and builds the orchestrator stack.
func bootstrap(dir string, withMetrics bool) (*api.Orchestrator, config.Config, func(), error) {
	if err := config.LoadConfig(dir); err != nil {
		return nil, config.Config{}, nil, err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	if config.SecretsFileExists(dir) {
		password := os.Getenv("BLUEPRINT_SECRETS_PASSWORD")
		if password == "" {
			password, err = promptPassword("Password for API key store: ")
			if err != nil {
				return nil, config.Config{}, nil, err
			}
		}
		secrets, err := config.DecryptSecretsFile(dir, password)
		if err != nil {
			return nil, config.Config{}, nil, err
		}
		config.SetDecryptedSecrets(secrets)
	}

	stateDir := filepath.Join(dir, config.ConfigDirName)
	st, err := store.NewSQLiteStore(filepath.Join(stateDir, "checkpoints.db"))
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	kb, err := knowledge.NewBase(filepath.Join(stateDir, "knowledge.db"))
	if err != nil {
		_ = st.Close()
		return nil, config.Config{}, nil, err
	}

	var recorder metrics.Recorder = metrics.Nop()
	if withMetrics && cfg.Metrics.Enabled {
		recorder = metrics.NewPrometheusRecorder()
	}

	orch, err := api.NewOrchestrator(api.OrchestratorOptions{
		Config:    cfg,
		Store:     st,
		Knowledge: kb,
		Recorder:  recorder,
	})
	if err != nil {
		_ = kb.Close()
		_ = st.Close()
		return nil, config.Config{}, nil, err
	}

	cleanup := func() {
		_ = kb.Close()
		_ = st.Close()
	}
	return orch, cfg, cleanup, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dir := projectFlag(fs)
	addr := fs.String("addr", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	orch, cfg, cleanup, err := bootstrap(*dir, true)
	if err != nil {
		return err
	}
	defer cleanup()

	listenAddr := cfg.Server.ListenAddr
	if *addr != "" {
		listenAddr = *addr
	}

	logger := logx.NewLogger("main")
	server := api.NewServer(orch, listenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	dir := projectFlag(fs)
	projectID := fs.String("project", "", "project identifier")
	repo := fs.String("repo", "", "path to the existing repository")
	branch := fs.String("branch", "", "repository branch (informational)")
	reqs := fs.String("requirements", "", "path to the requirements document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projectID == "" || *repo == "" || *reqs == "" {
		return fmt.Errorf("start requires -project, -repo, and -requirements")
	}

	orch, _, cleanup, err := bootstrap(*dir, false)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := orch.StartWorkflow(ctx, workflow.WorkflowInput{
		ProjectID:        *projectID,
		RepoURL:          *repo,
		Branch:           *branch,
		RequirementsPath: *reqs,
	})
	if err != nil {
		if st != nil {
			printState(st)
		}
		return err
	}
	printState(st)
	return nil
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	dir := projectFlag(fs)
	session := fs.String("session", "", "session ID to resume")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *session == "" {
		return fmt.Errorf("resume requires -session")
	}

	orch, _, cleanup, err := bootstrap(*dir, false)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := orch.ResumeWorkflow(ctx, *session)
	if err != nil {
		if st != nil {
			printState(st)
		}
		return err
	}
	printState(st)
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := projectFlag(fs)
	session := fs.String("session", "", "session ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *session == "" {
		return fmt.Errorf("status requires -session")
	}

	orch, _, cleanup, err := bootstrap(*dir, false)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := orch.GetStatus(context.Background(), *session)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	orch, _, cleanup, err := bootstrap(*dir, false)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions, err := orch.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-28s %-24s %s\n",
			s.SessionID, s.Stage, s.ProjectID, s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func printState(st *workflow.State) {
	fmt.Printf("session:  %s\n", st.SessionID)
	fmt.Printf("stage:    %s\n", st.CurrentStage)
	fmt.Printf("progress: %.0f%%\n", st.Progress()*100)
	if st.FailureReason != "" {
		fmt.Printf("failure:  %s\n", st.FailureReason)
	}
	if st.AwaitingReview() {
		fmt.Println("awaiting human review; submit a decision via the HTTP API")
	}
}
