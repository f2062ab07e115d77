package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

var issueOpts struct {
	certType     string
	issuerID     string
	validityDays int
	validFrom    string
	csrFile      string
	template     string
	ownerID      string
	maxPathLen   int
	subject      pki.Subject
	dnsNames     []string
	ips          []string
	emails       []string
	uris         []string
	extKeyUsage  []string
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a root, intermediate or end-entity certificate",
	Long: `Issues a certificate. Roots are self-signed; other types are signed by
--issuer. End-entity certificates may be issued from a CSR (--csr), in which
case the subject and public key are taken from the request and no private key
is held in custody.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		req := pki.IssueRequest{
			Type:           pki.CertType(issueOpts.certType),
			Subject:        issueOpts.subject,
			IssuerID:       issueOpts.issuerID,
			ValidityDays:   issueOpts.validityDays,
			DNSNames:       issueOpts.dnsNames,
			IPAddresses:    issueOpts.ips,
			EmailAddresses: issueOpts.emails,
			URIs:           issueOpts.uris,
			Template:       issueOpts.template,
			OwnerID:        issueOpts.ownerID,
		}
		if issueOpts.validFrom != "" {
			if req.ValidFrom, err = time.Parse(time.RFC3339, issueOpts.validFrom); err != nil {
				return fmt.Errorf("invalid --valid-from: %w", err)
			}
		}
		if cmd.Flags().Changed("max-path-len") {
			v := issueOpts.maxPathLen
			req.MaxPathLen = &v
		}
		for _, name := range issueOpts.extKeyUsage {
			eku, err := pki.ParseExtKeyUsage(name)
			if err != nil {
				return err
			}
			req.ExtKeyUsage = append(req.ExtKeyUsage, eku)
		}
		if issueOpts.csrFile != "" {
			if req.CSR, err = os.ReadFile(issueOpts.csrFile); err != nil {
				return fmt.Errorf("failed to read CSR: %w", err)
			}
		}

		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		cert, err := rt.ca.Issue(cmd.Context(), req, p)
		if err != nil {
			return err
		}
		return output(cert)
	},
}

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a certificate",
	Long: `Marks a certificate revoked. Certificates it issued are not revoked, but
their chains no longer verify.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := currentPrincipal()
		if err != nil {
			return err
		}
		reason, err := pki.ParseRevocationReason(revokeReason)
		if err != nil {
			return err
		}
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		cert, err := rt.ca.Revoke(cmd.Context(), args[0], reason, p)
		if err != nil {
			return err
		}
		return output(cert)
	},
}

var renewDays int

var renewCmd = &cobra.Command{
	Use:   "renew <id>",
	Short: "Re-issue a certificate and revoke the original as superseded",
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

		cert, err := rt.ca.Renew(cmd.Context(), args[0], renewDays, p)
		if err != nil {
			return err
		}
		return output(cert)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a certificate",
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

		cert, err := rt.ca.GetByID(cmd.Context(), args[0], p)
		if err != nil {
			return err
		}
		return output(cert)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the certificates the principal may access",
	Args:  cobra.NoArgs,
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

		certs, err := rt.ca.ListAccessible(cmd.Context(), p)
		if err != nil {
			return err
		}
		return outputList(certs)
	},
}

var issuersCmd = &cobra.Command{
	Use:   "issuers",
	Short: "List the CA certificates the principal may issue from",
	Args:  cobra.NoArgs,
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

		certs, err := rt.ca.ListCAIssuers(cmd.Context(), p)
		if err != nil {
			return err
		}
		return outputList(certs)
	},
}

func init() {
	rootCmd.AddCommand(issueCmd, revokeCmd, renewCmd, showCmd, listCmd, issuersCmd)

	f := issueCmd.Flags()
	f.StringVarP(&issueOpts.certType, "type", "t", string(pki.CertTypeEndEntity), "Certificate type (ROOT, INTERMEDIATE, END_ENTITY)")
	f.StringVar(&issueOpts.issuerID, "issuer", "", "ID of the issuing CA certificate")
	f.IntVarP(&issueOpts.validityDays, "days", "d", 365, "Validity period in days")
	f.StringVar(&issueOpts.validFrom, "valid-from", "", "Start of validity (RFC 3339, default now)")
	f.StringVar(&issueOpts.csrFile, "csr", "", "PEM or DER certificate signing request")
	f.StringVar(&issueOpts.template, "template", "", "Issuance template name")
	f.StringVar(&issueOpts.ownerID, "owner", "", "Principal ID that will own the certificate (administrators only)")
	f.IntVar(&issueOpts.maxPathLen, "max-path-len", 0, "Path length constraint (intermediate only)")
	f.StringVar(&issueOpts.subject.CommonName, "cn", "", "Subject common name")
	f.StringVar(&issueOpts.subject.Organization, "org", "", "Subject organization")
	f.StringVar(&issueOpts.subject.OrganizationalUnit, "ou", "", "Subject organizational unit")
	f.StringVar(&issueOpts.subject.Country, "country", "", "Subject country (two letters)")
	f.StringVar(&issueOpts.subject.State, "state", "", "Subject state or province")
	f.StringVar(&issueOpts.subject.Locality, "locality", "", "Subject locality")
	f.StringVar(&issueOpts.subject.Email, "email", "", "Subject email address")
	f.StringSliceVar(&issueOpts.dnsNames, "dns", nil, "DNS subject alternative names")
	f.StringSliceVar(&issueOpts.ips, "ip", nil, "IP address subject alternative names")
	f.StringSliceVar(&issueOpts.emails, "san-email", nil, "Email subject alternative names")
	f.StringSliceVar(&issueOpts.uris, "uri", nil, "URI subject alternative names")
	f.StringSliceVar(&issueOpts.extKeyUsage, "ext-key-usage", nil, "Extended key usages (serverAuth, clientAuth, ...)")

	revokeCmd.Flags().StringVarP(&revokeReason, "reason", "r", "unspecified", "RFC 5280 revocation reason")
	renewCmd.Flags().IntVarP(&renewDays, "days", "d", 365, "Validity period of the new certificate in days")
}
