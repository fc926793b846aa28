package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/window"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
)

// flagProtocols get dedicated subcommands with flags. Everything else goes through run with a
// JSON request file.
var flagProtocols = []evaluation.Protocol{evaluation.HOTP, evaluation.TOTP, evaluation.OCRA}

type requestFlags struct {
	request  evaluation.Request
	counter  uint64
	ts       int64
	backward int
	forward  int
}

func (f *requestFlags) bind(cmd *cobra.Command, protocol evaluation.Protocol, replay bool) {
	flags := cmd.Flags()
	flags.StringVar(&f.request.CredentialID, "credential-id", "", "id of a stored credential")
	flags.StringVar(&f.request.SharedSecretHex, "secret-hex", "", "inline shared secret, hex")
	flags.StringVar(&f.request.SharedSecretBase32, "secret-base32", "", "inline shared secret, base32")
	flags.BoolVarP(&f.request.Verbose, "verbose", "v", false, "print the computation trace")

	switch protocol {
	case evaluation.HOTP, evaluation.TOTP:
		flags.StringVar(&f.request.Algorithm, "algorithm", "", "SHA1, SHA256 or SHA512")
		flags.IntVar(&f.request.Digits, "digits", 0, "number of digits, 6 to 10")
	case evaluation.OCRA:
		flags.StringVar(&f.request.Suite, "suite", "", "OCRA suite, e.g. OCRA-1:HOTP-SHA1-6:QN08")
		flags.StringVar(&f.request.Challenge, "challenge", "", "question")
		flags.StringVar(&f.request.PIN, "pin", "", "PIN, hashed with the suite's PIN hash")
		flags.StringVar(&f.request.PINHashHex, "pin-hash-hex", "", "precomputed PIN hash")
		flags.StringVar(&f.request.SessionHex, "session-hex", "", "session information")
		flags.StringVar(&f.request.TimestampHex, "timestamp-hex", "", "time step in hex")
	}
	switch protocol {
	case evaluation.HOTP, evaluation.OCRA:
		flags.Uint64Var(&f.counter, "counter", 0, "moving factor")
	case evaluation.TOTP:
		flags.Int64Var(&f.request.StepSeconds, "step", 0, "time step in seconds")
		flags.Int64Var(&f.request.T0, "t0", 0, "unix time of step zero")
		flags.Int64Var(&f.ts, "timestamp", 0, "unix time to evaluate at, defaults to now")
	}
	if replay {
		flags.StringVar(&f.request.OTP, "otp", "", "value to check")
		flags.IntVar(&f.backward, "backward", 0, "replay window behind the nominal value")
		flags.IntVar(&f.forward, "forward", 0, "replay window ahead of the nominal value")
		_ = cmd.MarkFlagRequired("otp")
	}
}

// build finishes the request, leaving optional values unset unless their flag was given.
func (f *requestFlags) build(cmd *cobra.Command, protocol evaluation.Protocol) evaluation.Request {
	request := f.request
	request.Protocol = protocol
	flags := cmd.Flags()
	if flags.Changed("counter") {
		counter := f.counter
		request.Counter = &counter
	}
	if flags.Changed("timestamp") {
		ts := f.ts
		request.Timestamp = &ts
	}
	if flags.Changed("backward") || flags.Changed("forward") {
		request.Window = &window.Window{Backward: f.backward, Forward: f.forward}
	}
	return request
}

func newEvaluateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Compute the value a credential produces",
		Long: `Compute the current value of a credential. The credential is either
stored (--credential-id) or given inline (--secret-hex or --secret-base32),
never both.`,
	}
	for _, protocol := range flagProtocols {
		cmd.AddCommand(newProtocolCmd(c, protocol, false))
	}
	return cmd
}

func newReplayCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Check a value against a credential",
		Long: `Check an OTP against a credential within a window. A mismatch is
reported, not treated as a failure of the command.`,
	}
	for _, protocol := range flagProtocols {
		cmd.AddCommand(newProtocolCmd(c, protocol, true))
	}
	return cmd
}

func newProtocolCmd(c *cli, protocol evaluation.Protocol, replay bool) *cobra.Command {
	f := &requestFlags{}
	op := "Evaluate"
	if replay {
		op = "Replay"
	}
	cmd := &cobra.Command{
		Use:   protocol.String(),
		Short: fmt.Sprintf("%s a %s credential", op, strings.ToUpper(protocol.String())),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			request := f.build(cmd, protocol)
			if replay {
				return c.replay(cmd, request)
			}
			return c.evaluate(cmd, request)
		},
	}
	f.bind(cmd, protocol, replay)
	return cmd
}

func newRunCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run <evaluate|replay> <protocol>",
		Short: "Run a request read from a JSON file",
		Long: `Run an evaluate or replay request for any protocol. The file holds the
same JSON body the HTTP API accepts; "-" reads standard input.

Protocols: ` + protocolList(),
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"evaluate", "replay"},
		RunE: func(cmd *cobra.Command, args []string) error {
			protocol, err := evaluation.ParseProtocol(args[1])
			if err != nil {
				return err
			}
			request, err := readRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			request.Protocol = protocol
			switch args[0] {
			case "evaluate":
				return c.evaluate(cmd, request)
			case "replay":
				return c.replay(cmd, request)
			default:
				return fmt.Errorf("unknown operation %q, expected evaluate or replay", args[0])
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request file")
	return cmd
}

func protocolList() string {
	names := make([]string, 0, len(evaluation.Protocols()))
	for _, p := range evaluation.Protocols() {
		names = append(names, p.String())
	}
	return strings.Join(names, ", ")
}

func readRequest(stdin io.Reader, file string) (evaluation.Request, error) {
	var request evaluation.Request
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return request, errors.Wrap(err, "opening request file")
		}
		defer f.Close()
		r = f
	}
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		return request, errors.Wrap(err, "malformed request")
	}
	return request, nil
}

func (c *cli) evaluate(cmd *cobra.Command, request evaluation.Request) error {
	result, err := c.simulator.Evaluation.Evaluate(cmd.Context(), request)
	if err != nil {
		printTrace(cmd.ErrOrStderr(), evaluation.TraceFromError(err))
		return err
	}
	out := cmd.OutOrStdout()
	if c.jsonOutput {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out, "protocol: %s\nmode: %s\n", result.Protocol, result.Mode)
	if err = writeJSON(out, result.Output); err != nil {
		return err
	}
	printTrace(out, result.Trace)
	return nil
}

func (c *cli) replay(cmd *cobra.Command, request evaluation.Request) error {
	result, err := c.simulator.Evaluation.Replay(cmd.Context(), request)
	if err != nil {
		printTrace(cmd.ErrOrStderr(), evaluation.TraceFromError(err))
		return err
	}
	out := cmd.OutOrStdout()
	if c.jsonOutput {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out, "protocol: %s\nmode: %s\nmatched: %t\nreason: %s\n", result.Protocol, result.Mode, result.Matched, result.Reason)
	if result.Offset != nil {
		fmt.Fprintf(out, "offset: %d\n", *result.Offset)
	}
	if result.NextCounter != nil {
		fmt.Fprintf(out, "next counter: %d\n", *result.NextCounter)
	}
	if result.Detail != "" {
		fmt.Fprintf(out, "detail: %s\n", result.Detail)
	}
	printTrace(out, result.Trace)
	return nil
}

func printTrace(w io.Writer, t *trace.Trace) {
	if t == nil {
		return
	}
	fmt.Fprintf(w, "\ntrace:\n%s", t.Render())
}
