package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openauthsim/otp-service/pkg/service/credential"
)

func newProvisionCmd(c *cli) *cobra.Command {
	var (
		qrFile string
		size   int
	)
	cmd := &cobra.Command{
		Use:   "provision <credential-id>",
		Short: "Print the otpauth:// URI of a stored HOTP or TOTP credential",
		Long: `Print the key URI an authenticator app enrols from. With --qr the URI is
also written as a PNG QR code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.simulator.Credential.Provision(cmd.Context(), credential.ProvisionRequest{ID: args[0], QRSize: size})
			if err != nil {
				return err
			}
			if qrFile != "" {
				png, err := base64.StdEncoding.DecodeString(resp.QRCode)
				if err != nil {
					return errors.Wrap(err, "decoding qr code")
				}
				if err = os.WriteFile(qrFile, png, 0600); err != nil {
					return errors.Wrap(err, "writing qr code")
				}
			}
			if c.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.URI)
			return err
		},
	}
	cmd.Flags().StringVar(&qrFile, "qr", "", "write a PNG QR code to this file")
	cmd.Flags().IntVar(&size, "qr-size", credential.DefaultQRSize, "QR code edge length in pixels")
	return cmd
}
