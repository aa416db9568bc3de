package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/config"
)

type runOptions struct {
	provider string
	owner    string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute one script until it succeeds or its budget runs out",
		Long: `Submit the script in <file> (or "-" for stdin), drive it through
execution, dependency installation and repair, and print the final script
and its attempt trail as JSON. Exits non-zero when the script fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			source, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return runScript(cmd.Context(), cfg, source, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.provider, "provider", "", "reasoning provider used for repairs")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner recorded on the script")
	return cmd
}

func readSource(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}

type runReport struct {
	Script   *api.Script             `json:"script"`
	Attempts []*api.ExecutionAttempt `json:"attempts"`
}

func runScript(ctx context.Context, cfg *config.Config, source string, opts *runOptions, out io.Writer) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}()

	script, err := a.service.Submit(ctx, source, api.SubmitOptions{
		Owner:    opts.owner,
		Provider: opts.provider,
	})
	if err != nil {
		return err
	}

	final, execErr := a.service.Execute(ctx, script.ID)
	if final == nil {
		if final, err = a.service.GetScript(context.WithoutCancel(ctx), script.ID); err != nil {
			return fmt.Errorf("executing %s: %w", script.ID, execErr)
		}
	}
	attempts, err := a.service.Attempts(context.WithoutCancel(ctx), script.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runReport{Script: final, Attempts: attempts}); err != nil {
		return err
	}

	if execErr != nil {
		return fmt.Errorf("executing %s: %w", script.ID, execErr)
	}
	if final.Status != api.ScriptStatusSucceeded {
		return fmt.Errorf("script %s %s: %s", final.ID, final.Status, final.LastError)
	}
	return nil
}
