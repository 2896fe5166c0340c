package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/datallboy/newsflow/internal/nntp"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHeadersCmd(c *cli) *cobra.Command {
	var (
		threads  int
		out      string
		serverID int
		batch    uint64
	)
	cmd := &cobra.Command{
		Use:   "headers <group>",
		Short: "Download the overview of a newsgroup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := c.server(serverID)
			if err != nil {
				return err
			}
			w, closeOut, err := openOutput(out)
			if err != nil {
				return err
			}
			defer closeOut()

			group := args[0]
			var (
				mu    sync.Mutex
				received int
				lost  int
			)
			list := cmdlist.NewXoverListBatch(group, batch, cmdlist.OverviewHandlerFunc(func(o cmdlist.Overview) {
				mu.Lock()
				defer mu.Unlock()
				if o.Status != buffer.StatusSuccess {
					lost++
					c.app.Logger.Warn("%s %d-%d: %s", o.Group, o.Range.First, o.Range.Last, o.Status)
					return
				}
				content := o.Buffer.Content()
				received += len(content)
				w.Write(content)
			}))
			list.OnConfigured = func(info nntp.GroupInfo, batches int) {
				c.app.Logger.Info("%s: %d articles (%d-%d) in %d batches", group, info.Count, info.Low, info.High, batches)
			}

			if err := c.runList(cmd.Context(), sc, max(threads, 1), func(cl *client) (bool, error) {
				return list.Run(cl)
			}); err != nil {
				return err
			}
			if _, ok := list.Info(); !ok {
				return fmt.Errorf("group %s is not available on %s", group, sc.Name)
			}
			done, total := list.Progress()
			c.app.Logger.Info("%s: %d/%d batches, %s of overview, %d batches unavailable", group, done, total, humanize.IBytes(uint64(received)), lost)
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", 4, "number of connections")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write overview lines to this file instead of stdout")
	cmd.Flags().Uint64Var(&batch, "batch", cmdlist.BatchSize, "articles per XOVER request")
	addServerFlag(cmd, &serverID)
	return cmd
}

// openOutput returns a buffered writer on path, or on stdout when path is
// empty, and the function that closes it.
func openOutput(path string) (*bufio.Writer, func(), error) {
	var dst io.Writer = os.Stdout
	closeFn := func() {}
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, err
		}
		dst = f
		closeFn = func() { f.Close() }
	}
	return bufio.NewWriterSize(dst, 256<<10), closeFn, nil
}
