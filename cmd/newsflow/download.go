package main

import (
	"fmt"
	"os"

	"github.com/datallboy/newsflow/internal/engine"
	"github.com/datallboy/newsflow/internal/nzb"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newDownloadCmd(c *cli) *cobra.Command {
	var (
		out      string
		name     string
		serverID int
	)
	cmd := &cobra.Command{
		Use:   "download <file.nzb>",
		Short: "Download the contents of an NZB file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := c.app.Logger

			model, err := nzb.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse NZB: %w", err)
			}
			sc, err := c.server(serverID)
			if err != nil {
				return err
			}

			mgr, err := engine.NewQueueManager(engine.Options{Config: c.app.Config, Log: log}, nil)
			if err != nil {
				return err
			}
			if err := mgr.Start(ctx, false); err != nil {
				return err
			}
			defer mgr.Stop()

			events, unsubscribe := mgr.Subscribe()
			defer unsubscribe()

			info, err := mgr.Add(model.Download(sc.ID, out, name))
			if err != nil {
				return err
			}
			log.Info("Starting download of %s (%d articles, %s)", info.Desc, info.Articles, humanize.IBytes(uint64(info.Size)))

			go func() {
				for ev := range events {
					switch ev.Type {
					case engine.EventFile:
						f := ev.File
						state := "ok"
						if f.Damaged {
							state = "damaged"
						}
						fmt.Fprintf(os.Stderr, "\n%s (%s, %s)\n", f.Path, humanize.IBytes(uint64(f.Size)), state)
					case engine.EventError:
						log.Error("%s", ev.Error)
					}
				}
			}()
			// returns once the task is terminal, after drawing the summary
			engine.WatchProgress(ctx, mgr.Engine(), info.ID, os.Stdout)
			final, err := mgr.Wait(ctx, info.Key)
			if err != nil {
				return err
			}

			if final.State == engine.StateError {
				return fmt.Errorf("download failed: %s", final.Error)
			}
			if final.Flags != 0 {
				log.Warn("download finished with problems: %s", final.Flags)
			}
			log.Info("Process finished successfully.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default: download.out_dir)")
	cmd.Flags().StringVar(&name, "name", "", "download name (default: the NZB title)")
	addServerFlag(cmd, &serverID)
	return cmd
}
