package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/datallboy/newsflow/internal/decoding"
	"github.com/spf13/cobra"
)

func newEncodeCmd() *cobra.Command {
	var (
		uu      bool
		lineLen int
	)
	cmd := &cobra.Command{
		Use:   "encode <file>",
		Short: "Encode a file with yEnc (or uuencode) and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := filepath.Base(args[0])
			var encoded []byte
			if uu {
				encoded = decoding.EncodeUU(name, "644", data)
			} else {
				if lineLen <= 0 {
					return fmt.Errorf("line length must be positive, got %d", lineLen)
				}
				encoded = decoding.EncodeYenc(name, data, lineLen)
			}
			_, err = cmd.OutOrStdout().Write(encoded)
			return err
		},
	}
	cmd.Flags().BoolVar(&uu, "uu", false, "uuencode instead of yEnc")
	cmd.Flags().IntVar(&lineLen, "line", 128, "yEnc line length")
	return cmd
}
