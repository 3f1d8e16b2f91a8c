package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/austudio/internal/studio"
	"github.com/user/austudio/internal/types"
	"github.com/user/austudio/pkg/codegen"
)

var (
	generateSession string
	generateProject string
	generateOut     string
)

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&generateSession, "session", "default", "session name")
	generateCmd.Flags().StringVar(&generateProject, "project", "", "project JSON file to refine")
	generateCmd.Flags().StringVar(&generateOut, "out", "", "directory to export the generated project to")
}

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Run a generation and stream progress to the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	prompt := strings.Join(args, " ")

	guard, err := newBudgetGuard(cfg)
	if err != nil {
		return fmt.Errorf("create budget guard: %w", err)
	}
	sess := studio.NewSession(
		types.NewSessionKey("cli", generateSession),
		studio.Backend(newTransport(cfg)),
		studio.WithBudgetGuard(guard),
	)

	var base []*codegen.AusProject
	if generateProject != "" {
		project, err := readProjectFile(generateProject)
		if err != nil {
			return err
		}
		base = append(base, project)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	if err := sess.Generate(ctx, prompt, base...); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sess.Stop()
	}()

	renderRun(sess, updates)

	final := sess.Snapshot()
	switch final.RunState {
	case types.RunFailed:
		return fmt.Errorf("generation failed: %s", final.Error)
	case types.RunCancelled:
		fmt.Fprintln(os.Stderr, "cancelled")
	}

	fmt.Fprintf(os.Stdout, "\n%d files, %d messages\n", len(final.Files), len(final.Messages))

	if generateOut != "" && final.Project != nil {
		if err := exportProject(final.Project, generateOut); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "exported to %s\n", generateOut)
	}
	return nil
}

// renderRun prints streamed progress: assistant text as it grows, phase
// transitions, and newly written files.
func renderRun(sess *studio.Session, updates <-chan studio.Snapshot) {
	printed := 0
	phaseSeen := make(map[string]types.PhaseStatus)
	fileSeen := make(map[string]bool)

	render := func(snap studio.Snapshot) {
		if len(snap.StreamingText) < printed {
			printed = 0
		}
		if len(snap.StreamingText) > printed {
			fmt.Fprint(os.Stdout, snap.StreamingText[printed:])
			printed = len(snap.StreamingText)
		}
		for _, p := range snap.Phases {
			if phaseSeen[p.Name] != p.Status {
				phaseSeen[p.Name] = p.Status
				fmt.Fprintf(os.Stderr, "\n[%s] %s %s\n", p.Status, p.Name, p.Detail)
			}
		}
		for path := range snap.Files {
			if !fileSeen[path] {
				fileSeen[path] = true
				fmt.Fprintf(os.Stderr, "  wrote %s\n", path)
			}
		}
	}

	for snap := range updates {
		render(snap)
		if !snap.IsStreaming {
			return
		}
	}
}

func readProjectFile(path string) (*codegen.AusProject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var project codegen.AusProject
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("parse project file: %w", err)
	}
	return &project, nil
}

// exportProject writes the project's files under dir plus a project.json
// manifest. File paths that escape dir are rejected.
func exportProject(project *codegen.AusProject, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve output directory: %w", err)
	}

	for path, file := range project.Files {
		target := filepath.Join(absDir, filepath.FromSlash(path))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) {
			return fmt.Errorf("refusing to write outside output directory: %s", path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(target, []byte(file.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	manifest := struct {
		Name         string            `json:"name"`
		Description  string            `json:"description,omitempty"`
		FrontendDeps map[string]string `json:"frontend_deps,omitempty"`
		BackendDeps  map[string]string `json:"backend_deps,omitempty"`
	}{
		Name:         project.Name,
		Description:  project.Description,
		FrontendDeps: project.FrontendDeps,
		BackendDeps:  project.BackendDeps,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(absDir, "project.json"), data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
