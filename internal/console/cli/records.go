package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blowfish/enigma/internal/console/app"
	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/resources"
	"github.com/blowfish/enigma/internal/shared/listquery"
)

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 0 || len(r) <= width {
		return s
	}
	if width == 1 {
		return string(r[:1])
	}
	return string(r[:width-1]) + "…"
}

// requestContext bounds a single command's API calls by the configured timeout.
func requestContext(cmd *cobra.Command, c *app.Console) (context.Context, context.CancelFunc) {
	timeout := c.Config().Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Allow the retry after a token refresh to fit as well.
	return context.WithTimeout(cmd.Context(), 3*timeout)
}

func newResourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List the resources the console can browse",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s %-24s %s\n", "NAME", "TITLE", "ACTIONS")
			for _, def := range resources.All() {
				names := make([]string, 0, len(def.Actions))
				for _, a := range def.Actions {
					names = append(names, a.Name)
				}
				fmt.Fprintf(out, "%-24s %-24s %s\n", def.Name, def.Title, strings.Join(names, ","))
			}
		},
	}
}

func newResourceCmds(env *environment) []*cobra.Command {
	defs := resources.All()
	cmds := make([]*cobra.Command, 0, len(defs))
	for _, def := range defs {
		cmd := &cobra.Command{
			Use:   def.Name,
			Short: "Manage " + strings.ToLower(def.Title),
		}
		cmd.AddCommand(newListCmd(env, def))
		cmd.AddCommand(newGetCmd(env, def))
		cmd.AddCommand(newCreateCmd(env, def))
		cmd.AddCommand(newUpdateCmd(env, def))
		cmd.AddCommand(newDeleteCmd(env, def))
		for _, action := range def.Actions {
			cmd.AddCommand(newActionCmd(env, def, action))
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func newListCmd(env *environment, def resources.Definition) *cobra.Command {
	var (
		filters []string
		sort    string
		order   string
		page    int
		perPage int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List " + strings.ToLower(def.Title),
		Example: fmt.Sprintf("  enigma %s list --filter %s --sort id --order desc",
			def.Name, exampleFilter(def)),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := listquery.ParseFilterArgs(filters)
			if err != nil {
				return err
			}
			q := listquery.New()
			q.Page, q.PerPage, q.Filter = page, perPage, filter
			if sort != "" {
				q.Sort.Field = sort
			}
			q.Sort.Order = order
			q = q.Normalize()

			c, err := env.Console()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, c)
			defer cancel()

			result, err := c.Data().GetList(ctx, def.Name, dataprovider.GetListParams{Query: q})
			if err != nil {
				return err
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), result)
			}
			if len(result.Data) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s found\n", strings.ToLower(def.Title))
				return nil
			}
			if err := c.References().Prefetch(ctx, def, result.Data); err != nil {
				c.Logger().Warn("resolve references", "error", err)
			}
			printTable(cmd.OutOrStdout(), def, result.Data, c.References().Label)
			fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d total\n", q.Page, q.Pages(result.Total), result.Total)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "filter as key=value (repeatable; a,b matches any of)")
	cmd.Flags().StringVar(&sort, "sort", "id", "sort field")
	cmd.Flags().StringVar(&order, "order", listquery.OrderAsc, "sort order (ASC or DESC)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", listquery.DefaultPerPage, "rows per page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func exampleFilter(def resources.Definition) string {
	for _, f := range def.Filters {
		if f != listquery.FullTextKey {
			return f + "=value"
		}
	}
	return "q=text"
}

func printTable(out io.Writer, def resources.Definition, rows []dataprovider.Record, labels func(resources.Reference, string) string) {
	var header strings.Builder
	for _, col := range def.Columns {
		fmt.Fprintf(&header, "%-*s ", col.Width, strings.ToUpper(truncate(col.Title, col.Width)))
	}
	fmt.Fprintln(out, strings.TrimRight(header.String(), " "))
	for _, rec := range rows {
		var line strings.Builder
		for i, cell := range def.Row(rec, labels) {
			width := def.Columns[i].Width
			fmt.Fprintf(&line, "%-*s ", width, truncate(cell, width))
		}
		fmt.Fprintln(out, strings.TrimRight(line.String(), " "))
	}
}

func printRecord(out io.Writer, rec dataprovider.Record) {
	fields := resources.Fields(rec)
	width := 0
	for _, f := range fields {
		if len(f) > width {
			width = len(f)
		}
	}
	for _, f := range fields {
		fmt.Fprintf(out, "%-*s  %s\n", width, f, resources.Value(rec, f))
	}
}

func newGetCmd(env *environment, def resources.Definition) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, c)
			defer cancel()

			rec, err := c.Data().GetOne(ctx, def.Name, dataprovider.GetOneParams{ID: args[0]})
			if err != nil {
				return err
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func newCreateCmd(env *environment, def resources.Definition) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record from a JSON object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resources.ParseData(data)
			if err != nil {
				return err
			}
			c, err := env.Console()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, c)
			defer cancel()

			rec, err := c.Data().Create(ctx, def.Name, dataprovider.CreateParams{Data: payload})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s\n", def.Name, rec.ID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "record as a JSON object")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newUpdateCmd(env *environment, def resources.Definition) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a record with a JSON object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resources.ParseData(data)
			if err != nil {
				return err
			}
			c, err := env.Console()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, c)
			defer cancel()

			rec, err := c.Data().Update(ctx, def.Name, dataprovider.UpdateParams{ID: args[0], Data: payload})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s %s\n", def.Name, rec.ID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "replacement record as a JSON object")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newDeleteCmd(env *environment, def resources.Definition) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, c)
			defer cancel()

			if len(args) == 1 {
				if _, err := c.Data().Delete(ctx, def.Name, dataprovider.DeleteParams{ID: args[0]}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", def.Name, args[0])
				return nil
			}
			ids, err := c.Data().DeleteMany(ctx, def.Name, dataprovider.DeleteManyParams{IDs: args})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d %s: %s\n", len(ids), def.Name, strings.Join(ids, ", "))
			return nil
		},
	}
}

func newActionCmd(env *environment, def resources.Definition, action resources.Action) *cobra.Command {
	var (
		data   string
		reason string
	)
	cmd := &cobra.Command{
		Use:   action.Name + " <id>",
		Short: action.Description,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := dataprovider.Record{}
			if strings.TrimSpace(data) != "" {
				parsed, err := resources.ParseData(data)
				if err != nil {
					return err
				}
				payload = parsed
			}
			if reason != "" {
				payload["reason"] = reason
			}

			c, err := env.Console()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, c)
			defer cancel()

			rec, err := c.Data().Action(ctx, def.Name, dataprovider.ActionParams{ID: args[0], Action: action.Name, Data: payload})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s done", def.Name, rec.ID(), action.Name)
			if status := resources.Value(rec, "status"); status != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (status %s)", status)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "action parameters as a JSON object")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the action")
	return cmd
}
