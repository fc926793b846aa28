package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openauthsim/otp-service/pkg/service/credential"
)

type seedFile struct {
	Credentials []map[string]any `yaml:"credentials"`
}

func newSeedCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create credentials from a YAML file",
		Long: `Create every credential listed in a YAML file whose id is not stored yet.
Entries use the same field names as the create credential request, e.g.

  credentials:
    - id: demo-hotp
      name: Demo HOTP
      protocol: hotp
      sharedSecretHex: "3132333435363738393031323334353637383930"
      counter: 0

Seeding is idempotent: existing ids are skipped and left unchanged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			requests, err := readSeedFile(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			resp, err := c.simulator.Credential.SeedCredentials(cmd.Context(), requests)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOutput {
				return writeJSON(out, resp)
			}
			for _, id := range resp.Created {
				fmt.Fprintf(out, "created %s\n", id)
			}
			for _, id := range resp.Skipped {
				fmt.Fprintf(out, "skipped %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "seed file, - reads standard input")
	return cmd
}

// readSeedFile decodes YAML entries through JSON so they take the request's json field names
// and validation.
func readSeedFile(stdin io.Reader, file string) ([]credential.CreateCredentialRequest, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, errors.Wrap(err, "opening seed file")
		}
		defer f.Close()
		r = f
	}
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return nil, errors.Wrap(err, "malformed seed file")
	}

	requests := make([]credential.CreateCredentialRequest, 0, len(seed.Credentials))
	for i, entry := range seed.Credentials {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "seed entry %d", i)
		}
		var request credential.CreateCredentialRequest
		if err = json.Unmarshal(data, &request); err != nil {
			return nil, errors.Wrapf(err, "seed entry %d", i)
		}
		requests = append(requests, request)
	}
	return requests, nil
}
