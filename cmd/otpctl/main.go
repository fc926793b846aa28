// otpctl drives the evaluation engine from the command line. It opens the configured storage
// directly, so stored credentials are shared with a service using the same config.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/pkg/service"
)

var version = "dev" // set by the linker

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand of one invocation.
type cli struct {
	configPath string
	jsonOutput bool
	logLevel   string

	simulator *service.SimulatorService
}

// newRootCmd builds a fresh command tree, so tests can run commands in isolation.
func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "otpctl",
		Short: "Evaluate and replay one-time passwords and authentication responses",
		Long: `otpctl computes and verifies HOTP, TOTP, OCRA, EMV/CAP, WebAuthn and
EUDIW OpenID4VP values against inline key material or credentials stored
by the otp service.

Every command accepts --verbose to print the step by step trace of the
computation.`,
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}
	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.ConfigPath.String()), "path to a TOML config, empty uses the defaults")
	cmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "print results as JSON")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", logrus.WarnLevel.String(), "log level")

	cmd.AddCommand(
		newEvaluateCmd(c),
		newReplayCmd(c),
		newRunCmd(c),
		newSeedCmd(c),
		newProvisionCmd(c),
	)
	return cmd
}

func (c *cli) open() error {
	level, err := logrus.ParseLevel(c.logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level: %s", c.logLevel)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	services, err := config.LoadServicesConfig(c.configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	c.simulator, err = service.InstantiateSimulatorService(*services)
	if err != nil {
		return errors.Wrap(err, "starting services")
	}
	return nil
}

func (c *cli) close() error {
	if c.simulator == nil {
		return nil
	}
	err := c.simulator.Close()
	c.simulator = nil
	return err
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding output")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
