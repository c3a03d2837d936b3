package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"QFetch/db"
	"QFetch/model"
	"QFetch/repository"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyRun   string
	historyISRC  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gdb, err := db.Open(cfg)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		repo := repository.NewGormHistoryRepository(gdb)

		var records []*model.DownloadRecord
		switch {
		case historyISRC != "":
			rec, err := repo.FindByISRC(ctx, historyISRC)
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("no completed download for this ISRC")
			}
			records = append(records, rec)
		case historyRun != "":
			if records, err = repo.ListByRun(ctx, historyRun); err != nil {
				return err
			}
		default:
			if records, err = repo.ListRecent(ctx, historyLimit); err != nil {
				return err
			}
		}

		printRecords(records)
		if historyRun != "" {
			counts, err := repo.CountByStatus(ctx, historyRun)
			if err != nil {
				return err
			}
			fmt.Printf("\ndone %d, failed %d\n", counts[model.JobDone], counts[model.JobFailed])
		}
		return nil
	},
}

func printRecords(records []*model.DownloadRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSTATUS\tARTIST\tTITLE\tSIZE\tSERVICE\tPATH/ERROR")
	for _, r := range records {
		detail := r.Path
		if r.Status == model.JobFailed {
			detail = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.CreatedAt), r.Status, r.Artist, r.Title,
			humanize.Bytes(uint64(r.SizeBytes)), r.Service, detail)
	}
	w.Flush()
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of recent records")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "only records of this run")
	historyCmd.Flags().StringVar(&historyISRC, "isrc", "", "latest completed download of this ISRC")
	rootCmd.AddCommand(historyCmd)
}
