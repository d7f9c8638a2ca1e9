// Package runs implements the runs command, which prints scraper run history.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jonesrussell/north-cloud/store-locator/cmd/common"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retailers"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
)

// Output formats.
const (
	OutputTable = "table"
	OutputYAML  = "yaml"
	OutputJSON  = "json"
)

const defaultLimit = 10

// ErrUnknownOutput is returned for an unsupported --output value.
var ErrUnknownOutput = errors.New("unknown output format")

// Command returns the runs command.
func Command() *cobra.Command {
	var (
		retailer string
		limit    int
		output   string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show scraper run history",
		Long:  `Lists recent runs, newest first, for one retailer or for every known retailer.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := common.NewCommandDeps(cmd)
			if err != nil {
				return err
			}
			registry, err := retailers.NewRegistry(deps.Config)
			if err != nil {
				return err
			}

			names := registry.Names()
			if retailer != "" {
				def, ok := registry.Get(retailer)
				if !ok {
					return fmt.Errorf("unknown retailer: %s", retailer)
				}
				names = []string{def.Name}
			}

			var all []runs.Metadata
			for _, name := range names {
				history, histErr := runs.History(deps.Config.DataDir, name, limit)
				if histErr != nil {
					return histErr
				}
				all = append(all, history...)
			}
			return Render(cmd.OutOrStdout(), output, all)
		},
	}

	cmd.Flags().StringVar(&retailer, "retailer", "", "only show this retailer")
	cmd.Flags().IntVar(&limit, "limit", defaultLimit, "runs per retailer")
	cmd.Flags().StringVarP(&output, "output", "o", OutputTable, "output format: table, yaml or json")
	return cmd
}

// Render writes history to w in the requested format.
func Render(w io.Writer, output string, history []runs.Metadata) error {
	switch strings.ToLower(output) {
	case OutputTable, "":
		renderTable(w, history)
		return nil
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(history); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOutput, output)
	}
}

func renderTable(w io.Writer, history []runs.Metadata) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Retailer", "Run ID", "Status", "Started", "Duration", "Stores", "Failed", "Errors"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})

	for i := range history {
		m := &history[i]
		t.AppendRow(table.Row{
			m.Retailer,
			m.RunID,
			m.Status,
			m.StartedAt.Local().Format(time.DateTime),
			duration(m),
			int(m.Stats[runs.StatStoresScraped]),
			int(m.Stats[retailers.StatStoresFailed]),
			len(m.Errors),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(history)})
	t.Render()
}

func duration(m *runs.Metadata) string {
	if m.CompletedAt == nil {
		return "-"
	}
	return m.CompletedAt.Sub(m.StartedAt).Round(time.Second).String()
}
