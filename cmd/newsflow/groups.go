package main

import (
	"bytes"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/spf13/cobra"
)

func newGroupsCmd(c *cli) *cobra.Command {
	var (
		out      string
		serverID int
	)
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List the newsgroups of a server",
		Args:  cobra.NoArgs,
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

			list := cmdlist.NewGroupList(func(b *buffer.Buffer) {
				content := b.Content()
				c.app.Logger.Info("%s lists %d groups", sc.Name, bytes.Count(content, []byte("\n")))
				w.Write(content)
			})
			if err := c.runList(cmd.Context(), sc, 1, func(cl *client) (bool, error) {
				return list.Run(cl)
			}); err != nil {
				return err
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the list to this file instead of stdout")
	addServerFlag(cmd, &serverID)
	return cmd
}
