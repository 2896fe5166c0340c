package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/datallboy/newsflow/internal/content"
	"github.com/datallboy/newsflow/internal/decoding"
	"github.com/datallboy/newsflow/internal/nzb"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newFetchCmd(c *cli) *cobra.Command {
	var (
		threads  int
		out      string
		name     string
		serverID int
	)
	cmd := &cobra.Command{
		Use:   "fetch <group> <message-id>...",
		Short: "Fetch articles by message id and decode them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := c.server(serverID)
			if err != nil {
				return err
			}
			if out == "" {
				out = c.app.Config.Download.OutDir
			}
			if name == "" {
				name = args[0]
			}
			ids := make([]string, 0, len(args)-1)
			for _, id := range args[1:] {
				ids = append(ids, nzb.MessageID(id))
			}

			d := c.app.Config.Download
			recon := content.New(afero.NewOsFs(), out, name, len(ids), content.Options{
				Overwrite:     d.OverwriteExisting,
				DiscardText:   d.DiscardTextContent,
				UseMmap:       d.UseMmap,
				MmapChunkSize: d.MmapChunkSize,
				MmapMaxChunks: d.MmapMaxChunks,
			})

			var (
				mu      sync.Mutex
				missing int
				errs    []error
			)
			list := cmdlist.NewBodyList([]string{args[0]}, ids, cmdlist.BodyHandlerFunc(func(b cmdlist.Body) {
				if b.Status != buffer.StatusSuccess {
					mu.Lock()
					missing++
					mu.Unlock()
					c.app.Logger.Warn("%s: %s", b.ID, b.Status)
					return
				}
				if err := storeBody(recon, b.Buffer); err != nil {
					recon.Fail(err)
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", b.ID, err))
					mu.Unlock()
				}
			}))

			if err := c.runList(cmd.Context(), sc, min(max(threads, 1), len(ids)), func(cl *client) (bool, error) {
				return list.Run(cl)
			}); err != nil {
				recon.Cancel()
				return err
			}

			files, err := recon.Finish()
			for _, f := range files {
				state := "ok"
				if f.Damaged {
					state = "damaged"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", f.Path, humanize.IBytes(uint64(f.Size)), state)
			}
			if missing > 0 {
				c.app.Logger.Warn("%d of %d articles were not available", missing, len(ids))
			}
			return errors.Join(append(errs, err)...)
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", 4, "number of connections")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default: download.out_dir)")
	cmd.Flags().StringVar(&name, "name", "", "name for text content (default: the group)")
	addServerFlag(cmd, &serverID)
	return cmd
}

// storeBody decodes one article body and writes it through recon.
func storeBody(recon *content.Reconstructor, buf *buffer.Buffer) error {
	res, err := decoding.Decode(buf.Content())
	if err != nil {
		return err
	}
	writes, err := recon.Accept(res)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err := w.Perform(); err != nil {
			return err
		}
	}
	return nil
}
