/*
Copyright (c) 2024 Keyfactor, Inc.

Licensed under the MIT License (the "License"); you may not use this file except
in compliance with the License. You may obtain a copy of the License at

https://opensource.org/licenses/MIT

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/globalsign/pemfile"
	"github.com/spf13/cobra"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// Output formats.
const (
	formatJSON = "json"
	formatText = "text"
)

const (
	defaultServer  = "localhost:8443"
	defaultTimeout = time.Second * 30
)

// options contains the persistent command line options.
type options struct {
	server   string
	username string
	password string
	rootCAs  string
	insecure bool
	timeout  time.Duration
	output   string
	format   string
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Command line client for the GoDaddy CA gateway",
		Long: `gatewayctl talks to a running gateway server to enroll, inspect, revoke
and synchronize certificates issued by GoDaddy.

Examples:
  # Enroll for a DV certificate
  gatewayctl enroll --csr server.csr --product DV_SSL --param CertificateValidityInYears=1

  # Download a certificate chain
  gatewayctl chain 5d7b7a44-2c3e-4f0a-9c1e-8f4e6b1a2d3c --out chain.pem`,
		Version:       versionString,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", defaultServer, "gateway server host:port")
	flags.StringVarP(&opts.username, "username", "u", "", "HTTP Basic Authentication username")
	flags.StringVarP(&opts.password, "password", "p", "", "HTTP Basic Authentication password")
	flags.StringVar(&opts.rootCAs, "cacerts", "", "PEM file of trust anchors for the gateway server")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip gateway server certificate verification")
	flags.DurationVar(&opts.timeout, "timeout", defaultTimeout, "timeout for the whole operation")
	flags.StringVarP(&opts.output, "out", "o", "", "write output to file instead of standard output")
	flags.StringVar(&opts.format, "format", formatText, "output format (text, json)")

	root.AddCommand(
		newPingCmd(opts),
		newProductsCmd(opts),
		newAnnotationsCmd(opts),
		newEnrollCmd(opts),
		newRecordCmd(opts),
		newChainCmd(opts),
		newRevokeCmd(opts),
		newSyncCmd(opts),
	)

	return root
}

// client returns a gateway client configured from the options.
func (o *options) client() (*caplugin.Client, error) {
	if o.format != formatJSON && o.format != formatText {
		return nil, fmt.Errorf("unknown output format %q", o.format)
	}

	client := &caplugin.Client{
		Host:               o.server,
		Username:           o.username,
		Password:           o.password,
		InsecureSkipVerify: o.insecure,
	}

	if o.rootCAs != "" {
		certs, err := pemfile.ReadCerts(o.rootCAs)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust anchors: %w", err)
		}

		pool := x509.NewCertPool()
		for _, cert := range certs {
			pool.AddCert(cert)
		}
		client.RootCAs = pool
	}

	return client, nil
}

// context returns a context bounded by the timeout option.
func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// run wraps a command body with client construction, a timeout and output
// redirection.
func (o *options) run(
	fn func(ctx context.Context, client *caplugin.Client, cmd *cobra.Command, args []string) (interface{}, error),
) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := o.client()
		if err != nil {
			return err
		}

		ctx, cancel := o.context(cmd)
		defer cancel()

		result, err := fn(ctx, client, cmd, args)
		if err != nil {
			var perr caplugin.Error
			if errors.As(err, &perr) && perr.RetryAfter() > 0 {
				return fmt.Errorf("%w (retry after %d seconds)", err, perr.RetryAfter())
			}
			return err
		}

		if result == nil {
			return nil
		}

		w, closeFunc, err := maybeRedirect(cmd.OutOrStdout(), o.output, 0644)
		if err != nil {
			return err
		}

		if err := writeResult(w, o.format, result); err != nil {
			closeFunc()
			return err
		}

		return closeFunc()
	}
}

func newPingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the gateway can reach the vendor",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, cmd *cobra.Command, _ []string) (interface{}, error) {
			if err := client.Ping(ctx); err != nil {
				return nil, err
			}
			return message("OK"), nil
		}),
	}
}

func newProductsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List supported product IDs",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, _ []string) (interface{}, error) {
			ids, err := client.Products(ctx)
			if err != nil {
				return nil, err
			}
			return ids, nil
		}),
	}
}

func newAnnotationsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "annotations",
		Short: "Show connection and product parameter annotations",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, _ []string) (interface{}, error) {
			return client.Annotations(ctx)
		}),
	}
}

func newEnrollCmd(opts *options) *cobra.Command {
	var (
		csrFile     string
		product     string
		subject     string
		enrollType  string
		priorSerial string
		params      map[string]string
		dnsNames    []string
	)

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Request a new, renewed or reissued certificate",
		Long: `Request a certificate from the vendor through the gateway.

With --type renew, the gateway decides between renewal and reissue based on
the expiry of the certificate identified by --prior-serial.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, _ []string) (interface{}, error) {
			csr, err := os.ReadFile(csrFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CSR: %w", err)
			}

			var intent caplugin.EnrollmentIntent
			if err := intent.UnmarshalText([]byte(enrollType)); err != nil {
				return nil, err
			}

			in := &caplugin.EnrollInput{
				CSR:               string(csr),
				Subject:           subject,
				ProductID:         product,
				ProductParameters: params,
				Intent:            intent,
				PriorSerialNumber: priorSerial,
			}

			if len(dnsNames) > 0 {
				in.SANs = map[string][]string{"dns": dnsNames}
			}

			return client.Enroll(ctx, in)
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&csrFile, "csr", "", "PEM file containing the PKCS#10 certificate signing request")
	flags.StringVar(&product, "product", "", "product ID, e.g. DV_SSL")
	flags.StringVar(&subject, "subject", "", "subject distinguished name")
	flags.StringVar(&enrollType, "type", "new", "enrollment type (new, renew, reissue)")
	flags.StringVar(&priorSerial, "prior-serial", "", "hex serial number of the certificate to renew or reissue")
	flags.StringToStringVar(&params, "param", nil, "product parameter as name=value, repeatable")
	flags.StringArrayVar(&dnsNames, "dns", nil, "DNS subject alternative name, repeatable")

	_ = cmd.MarkFlagRequired("csr")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func newRecordCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "record <request-id>",
		Short: "Show the certificate with the given request ID",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, args []string) (interface{}, error) {
			return client.Record(ctx, args[0])
		}),
	}
}

func newChainCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <request-id>",
		Short: "Download the certificate and its issuing chain",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, args []string) (interface{}, error) {
			return client.Chain(ctx, args[0])
		}),
	}
}

func newRevokeCmd(opts *options) *cobra.Command {
	var (
		serial string
		reason uint
	)

	cmd := &cobra.Command{
		Use:   "revoke <request-id>",
		Short: "Revoke the certificate with the given request ID",
		Long: `Revoke a certificate. The reason is an RFC 5280 CRL reason code:

  1 keyCompromise
  3 affiliationChanged
  4 superseded
  5 cessationOfOperation
  9 privilegeWithdrawn`,
		Args: cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, args []string) (interface{}, error) {
			return client.Revoke(ctx, args[0], serial, reason)
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&serial, "serial", "", "hex serial number of the certificate")
	flags.UintVar(&reason, "reason", 5, "RFC 5280 revocation reason code")

	return cmd
}

func newSyncCmd(opts *options) *cobra.Command {
	var (
		since string
		full  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize vendor certificates into the gateway store",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, client *caplugin.Client, _ *cobra.Command, _ []string) (interface{}, error) {
			var lastSync *time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return nil, fmt.Errorf("invalid --since: %w", err)
				}
				lastSync = &t
			}

			return client.Synchronize(ctx, lastSync, full)
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&since, "since", "", "only certificates changed since this RFC 3339 time")
	flags.BoolVar(&full, "full", false, "synchronize every certificate")

	return cmd
}
