// ntpprobe is the wire half of the measurement service: a standalone CLI
// that speaks raw NTP versions 1 through 5 over UDP and NTS over TLS, and
// reports structured results on stdout. The service invokes it as a
// subprocess so a hung or crashed query can never take the service with it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/NTPinfo/NTPinfo/internal/ntpwire"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		timeout time.Duration
		draft   string
	)
	exitCode := 0

	root := &cobra.Command{
		Use:          "ntpprobe",
		Short:        "Raw NTP and NTS wire probe",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 7*time.Second, "per-query timeout")

	for version := 1; version <= 5; version++ {
		cmd := &cobra.Command{
			Use:   fmt.Sprintf("ntpv%d <host>", version),
			Short: fmt.Sprintf("Send one NTP version %d query", version),
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				exitCode = runNTP(cmd.Context(), cmd.OutOrStdout(), args[0], version, draft, timeout)
			},
		}
		if version == 5 {
			cmd.Flags().StringVar(&draft, "draft", "", "NTPv5 draft identifier to report")
		}
		root.AddCommand(cmd)
	}

	allCmd := &cobra.Command{
		Use:   "allntpv <host>",
		Short: "Sweep NTP versions 1 through 5 in one run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitCode = runAll(cmd.Context(), cmd.OutOrStdout(), args[0], draft, timeout)
		},
	}
	allCmd.Flags().StringVar(&draft, "draft", "", "NTPv5 draft identifier to report")
	root.AddCommand(allCmd)

	root.AddCommand(&cobra.Command{
		Use:   "nts <host> [ipv4|ipv6]",
		Short: "Run NTS key establishment plus one authenticated query",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			family := ""
			if len(args) == 2 {
				family = args[1]
			}
			exitCode = runNTS(cmd.OutOrStdout(), args[0], family, timeout)
		},
	})

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return exitCode
}

func runNTP(ctx context.Context, w io.Writer, host string, version int, draft string, timeout time.Duration) int {
	result, err := ntpwire.Query(ctx, host, version, draft, timeout)
	if err != nil {
		fmt.Fprintln(w, err.Error())
		var qErr *ntpwire.QueryError
		if errors.As(err, &qErr) {
			return qErr.ExitCode()
		}
		return int(ntpwire.FailParse)
	}
	return printJSON(w, result)
}

// runAll sweeps the five versions sequentially. Per-version failures land in
// their slot; the sweep itself always exits 0.
func runAll(ctx context.Context, w io.Writer, host, draft string, timeout time.Duration) int {
	sweep := make(map[string]any, 5)
	for version := 1; version <= 5; version++ {
		key := fmt.Sprintf("ntpv%d", version)
		result, err := ntpwire.Query(ctx, host, version, draft, timeout)
		if err != nil {
			sweep[key] = map[string]any{"error": err.Error()}
			continue
		}
		sweep[key] = map[string]any{"result": result}
	}
	return printJSON(w, sweep)
}

func runNTS(w io.Writer, host, family string, timeout time.Duration) int {
	out, code := ntpwire.QueryNTS(host, family, timeout)
	fmt.Fprint(w, out)
	return code
}

func printJSON(w io.Writer, v any) int {
	out, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(w, "could not encode result: %v\n", err)
		return int(ntpwire.FailParse)
	}
	fmt.Fprintln(w, string(out))
	return 0
}
