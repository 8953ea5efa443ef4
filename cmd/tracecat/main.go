// Command tracecat reads a pkg/trace JSONL file and prints events, either
// the full stream or a single event located by its pos.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/otterlabs/mwemu-go/pkg/trace"
	"github.com/spf13/cobra"
)

func main() {
	var seekPos int64

	rootCmd := &cobra.Command{
		Use:   "tracecat <file.jsonl>",
		Short: "Print or seek a mwemu-go execution trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("tracecat: %w", err)
			}
			defer f.Close()

			r := trace.NewReader(f)
			enc := json.NewEncoder(cmd.OutOrStdout())

			if seekPos >= 0 {
				ev, err := r.SeekTo(uint64(seekPos))
				if err != nil {
					return fmt.Errorf("tracecat: seek to pos %d: %w", seekPos, err)
				}
				return enc.Encode(ev)
			}

			for {
				ev, err := r.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("tracecat: %w", err)
				}
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("tracecat: encode: %w", err)
				}
			}
		},
	}

	rootCmd.Flags().Int64Var(&seekPos, "pos", -1, "print only the event at this trace position")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
