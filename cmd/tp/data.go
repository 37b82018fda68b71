package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpilot/internal/app"
	"taskpilot/internal/domain"
	"taskpilot/internal/legacy"
	"taskpilot/internal/repo"
)

func lookupUser(ctx context.Context, svc *app.Services, email string) (domain.User, error) {
	u, err := svc.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, fmt.Errorf("no user with email %s", email)
	}
	return u, err
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects"}
	var email string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				u, err := lookupUser(ctx, svc, email)
				if err != nil {
					return err
				}
				items, err := svc.Repo.ListProjects(ctx, u.ID, repo.ListOptions{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Repository", "Active", "Created"})
				for _, p := range items {
					repository := p.RepoURL
					if p.RepoOwner != "" {
						repository = p.RepoOwner + "/" + p.RepoName
					}
					tw.AppendRow(table.Row{p.ID, p.Name, repository, p.IsActive, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&email, "user", "", "owner email")
	list.Flags().IntVar(&limit, "limit", 50, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")
	_ = list.MarkFlagRequired("user")
	prj.AddCommand(list)
	return prj
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	var email string
	f := repo.TaskFilter{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Status != "" && !domain.ValidStatus(f.Status) {
				return fmt.Errorf("%w: %q", repo.ErrInvalidStatus, f.Status)
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				u, err := lookupUser(ctx, svc, email)
				if err != nil {
					return err
				}
				tasks, err := svc.Repo.ListTasks(ctx, u.ID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Branch", "Agent", "Messages", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Status, t.TargetBranch, t.Agent, len(t.ChatMessages), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&email, "user", "", "owner email")
	list.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	list.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	_ = list.MarkFlagRequired("user")
	tsk.AddCommand(list)
	return tsk
}

func legacyCmd() *cobra.Command {
	leg := &cobra.Command{Use: "legacy", Short: "Legacy task store"}
	var file, email string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import legacy tasks (JSON or YAML) for a user",
		Long:  "Records whose legacy id was already imported are skipped, so the command can be re-run safely.",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := legacy.Load(file)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				u, err := lookupUser(ctx, svc, email)
				if err != nil {
					return err
				}
				rep, err := svc.Migrator.MigrateAll(ctx, records, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Legacy ID", "Result", "Detail"})
				for _, t := range rep.Migrated {
					legacyID := ""
					if t.LegacyID != nil {
						legacyID = *t.LegacyID
					}
					tw.AppendRow(table.Row{legacyID, "migrated", t.ID})
				}
				for _, id := range rep.Skipped {
					tw.AppendRow(table.Row{id, "skipped", "already imported"})
				}
				for _, f := range rep.Failed {
					tw.AppendRow(table.Row{f.LegacyID, "failed", f.Error})
				}
				tw.AppendFooter(table.Row{"", "total", fmt.Sprintf("%d migrated, %d skipped, %d failed", len(rep.Migrated), len(rep.Skipped), len(rep.Failed))})
				tw.Render()
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "legacy tasks file (.json, .yaml or .yml)")
	imp.Flags().StringVar(&email, "owner", "", "email of the user receiving the tasks")
	_ = imp.MarkFlagRequired("file")
	_ = imp.MarkFlagRequired("owner")
	leg.AddCommand(imp)
	return leg
}
