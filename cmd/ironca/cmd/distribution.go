package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

var outputFile string

// writeOutput writes data to --out, or stdout when unset.
func writeOutput(data []byte, mode os.FileMode) error {
	if outputFile == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputFile, err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", outputFile)
	return nil
}

var chainCmd = &cobra.Command{
	Use:   "chain <id>",
	Short: "Print a certificate's chain up to its root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if outputFile != "" {
			data, err := rt.ca.DownloadChainPEM(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return writeOutput(data, 0o644)
		}
		chain, err := rt.ca.Chain(cmd.Context(), args[0], p)
		if err != nil {
			return err
		}
		return outputList(chain)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Verify a certificate's chain of trust",
	Long: `Resolves the chain of the certificate and checks that every member is
unrevoked, inside its validity window and signed by its parent.
Exits with status 1 when the chain is untrusted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		chain, err := rt.ca.VerifyChain(cmd.Context(), args[0], p)
		if errors.Is(err, pki.ErrUntrusted) {
			fmt.Printf("Result: UNTRUSTED (%v)\n", err)
			rt.Close()
			os.Exit(1)
		}
		if err != nil {
			return err
		}
		for i, c := range chain {
			fmt.Printf("[PASS] %d: %s\n", i, c.Subject.DistinguishedName())
		}
		fmt.Println("\nResult: TRUSTED")
		return nil
	},
}

var downloadFormat string

var downloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download a certificate as PEM or DER",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		data, err := rt.ca.DownloadEncoded(cmd.Context(), args[0], pki.Encoding(downloadFormat), p)
		if err != nil {
			return err
		}
		return writeOutput(data, 0o644)
	},
}

var exportPasswordFile string

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a certificate, its private key and chain as PKCS#12",
	Long: `Writes a PKCS#12 bundle protected by the password read from
--password-file (or stdin when "-"). Only the certificate's owner or an
administrator may export.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		if outputFile == "" {
			return errors.New("--out is required for PKCS#12 output")
		}
		password, err := readPassword(exportPasswordFile)
		if err != nil {
			return err
		}
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		pfx, err := rt.ca.ExportPKCS12(cmd.Context(), args[0], password, p)
		if err != nil {
			return err
		}
		return writeOutput(pfx, 0o600)
	},
}

func readPassword(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return "", errors.New("--password-file is required")
	case "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return string(data), nil
}

var crlCmd = &cobra.Command{
	Use:   "crl <issuer-id>",
	Short: "Generate a CRL signed by a CA certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		crl, err := rt.ca.GenerateCRL(cmd.Context(), args[0], p)
		if err != nil {
			return err
		}
		return writeOutput(crl, 0o644)
	},
}

func init() {
	rootCmd.AddCommand(chainCmd, verifyCmd, downloadCmd, exportCmd, crlCmd)
	for _, c := range []*cobra.Command{chainCmd, downloadCmd, exportCmd, crlCmd} {
		c.Flags().StringVarP(&outputFile, "out", "o", "", "Output file (default stdout)")
	}
	downloadCmd.Flags().StringVarP(&downloadFormat, "format", "f", string(pki.EncodingPEM), "Encoding: pem or der")
	exportCmd.Flags().StringVar(&exportPasswordFile, "password-file", "", `File holding the bundle password ("-" for stdin)`)
}
