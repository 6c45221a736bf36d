package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"codeguard/internal/app"
	"codeguard/internal/incidents"
	"codeguard/pkg/models"
)

func scanCommand(configPath *string) *cobra.Command {
	var (
		chain   string
		subject string
		pretty  bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Score a subject's recent transactions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			return withActors(cmd.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				m, err := a.Orchestrator.Monitor(chain)
				if err != nil {
					return err
				}
				res, err := m.Scan(ctx, models.ScanTask{SubjectID: subject, Chain: m.Chain()})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res, pretty)
			})
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "Chain scope (defaults to the response chain)")
	cmd.Flags().StringVar(&subject, "subject", "", "Contract address to scan")
	cmd.Flags().BoolVar(&pretty, "pretty", true, "Pretty-print JSON output")
	return cmd
}

func analyzeCommand(configPath *string) *cobra.Command {
	var (
		chain   string
		subject string
		pretty  bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the deep-analysis pipeline for a subject",
		Long: `Decompile the subject's bytecode, assess it and, when the score is
critical, escalate to the response actor exactly as the running service would.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			return withActors(cmd.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Analyze(ctx, models.AnalyzeTask{SubjectID: subject, Chain: chain})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res, pretty)
			})
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "Chain scope (defaults to the response chain)")
	cmd.Flags().StringVar(&subject, "subject", "", "Contract address to analyze")
	cmd.Flags().BoolVar(&pretty, "pretty", true, "Pretty-print JSON output")
	return cmd
}

func incidentsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect the incident log",
	}
	cmd.AddCommand(incidentsListCommand(configPath), incidentsResolveCommand(configPath))
	return cmd
}

func openIncidents(ctx context.Context, configArg string) (incidents.Store, error) {
	cfg, _, err := loadConfig(configArg)
	if err != nil {
		return nil, err
	}
	return app.OpenIncidents(ctx, cfg)
}

func incidentsListCommand(configPath *string) *cobra.Command {
	var (
		subject string
		limit   int
		pretty  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openIncidents(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context(), incidents.Query{Subject: subject, Limit: limit})
			if err != nil {
				return err
			}
			if list == nil {
				list = []models.Incident{}
			}
			return printJSON(cmd.OutOrStdout(), list, pretty)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Only incidents for this contract address")
	cmd.Flags().IntVar(&limit, "limit", incidents.DefaultLimit, "Maximum number of incidents")
	cmd.Flags().BoolVar(&pretty, "pretty", true, "Pretty-print JSON output")
	return cmd
}

func incidentsResolveCommand(configPath *string) *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Mark an incident resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openIncidents(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			inc, err := store.Resolve(cmd.Context(), args[0], time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inc, pretty)
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", true, "Pretty-print JSON output")
	return cmd
}
