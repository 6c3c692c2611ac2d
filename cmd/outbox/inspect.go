package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/SebastienMelki/outbox/internal/queuefile"
)

// inspectSummary describes a queue file.
type inspectSummary struct {
	Path      string   `json:"path"`
	FileBytes int64    `json:"file_bytes"`
	UsedBytes int64    `json:"used_bytes"`
	Elements  int      `json:"elements"`
	Payload   int64    `json:"payload_bytes"`
	Smallest  int      `json:"smallest_bytes"`
	Largest   int      `json:"largest_bytes"`
	Payloads  []string `json:"payloads,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var jsonOutput, dump bool

	cmd := &cobra.Command{
		Use:   "inspect <queue-file>",
		Short: "Show queue file summary",
		Long:  "Read a queue file and report element count and byte totals. With --dump, print every payload oldest first. Encrypted payloads are printed as stored.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], dump, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&dump, "dump", false, "print every payload")

	return cmd
}

func runInspect(w io.Writer, path string, dump, jsonOutput bool) error {
	summary, err := inspectQueue(path, dump)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(w, "file:      %s\n", summary.Path)
	fmt.Fprintf(w, "size:      %d bytes (%d in use)\n", summary.FileBytes, summary.UsedBytes)
	fmt.Fprintf(w, "elements:  %d\n", summary.Elements)
	fmt.Fprintf(w, "payload:   %d bytes\n", summary.Payload)
	if summary.Elements > 0 {
		fmt.Fprintf(w, "smallest:  %d bytes\n", summary.Smallest)
		fmt.Fprintf(w, "largest:   %d bytes\n", summary.Largest)
	}
	for _, p := range summary.Payloads {
		fmt.Fprintln(w, p)
	}
	return nil
}

func inspectQueue(path string, dump bool) (*inspectSummary, error) {
	// queuefile.Open creates missing files; inspecting must not.
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	q, err := queuefile.Open(path, queuefile.WithoutSync())
	if err != nil {
		return nil, err
	}
	defer q.Close()

	summary := &inspectSummary{
		Path:      path,
		FileBytes: info.Size(),
		UsedBytes: q.UsedBytes(),
		Elements:  q.Size(),
	}

	err = q.ForEach(func(r io.Reader, length int) (bool, error) {
		summary.Payload += int64(length)
		if summary.Smallest == 0 || length < summary.Smallest {
			summary.Smallest = length
		}
		if length > summary.Largest {
			summary.Largest = length
		}
		if dump {
			data, err := io.ReadAll(r)
			if err != nil {
				return false, err
			}
			summary.Payloads = append(summary.Payloads, string(data))
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}
