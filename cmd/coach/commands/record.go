package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRecordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Inspect deployment records",
	}
	cmd.AddCommand(newRecordListCommand())
	cmd.AddCommand(newRecordShowCommand())
	return cmd
}

func newRecordListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deployment runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.store.ListRecords(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATE\tSTARTED\tARTIFACT\tFAILURE")
			for _, rec := range records {
				artifact := ""
				if rec.Artifact != nil {
					artifact = rec.Artifact.Tag
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.State, rec.StartedAt.Format("2006-01-02 15:04:05"),
					artifact, rec.FailureCode)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to list")
	return cmd
}

func newRecordShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one deployment run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.store.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
