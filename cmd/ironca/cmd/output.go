package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmcleod/ironca/pki"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCertificate(w io.Writer, c *pki.Certificate) {
	status := "active"
	if c.Revoked {
		status = fmt.Sprintf("revoked (%s)", c.RevocationReason)
	}
	fmt.Fprintf(w, "ID:          %s\n", c.ID)
	fmt.Fprintf(w, "Type:        %s\n", c.Type)
	fmt.Fprintf(w, "Subject:     %s\n", c.Subject.DistinguishedName())
	fmt.Fprintf(w, "Issuer:      %s\n", c.IssuerDN)
	if c.IssuerID != "" {
		fmt.Fprintf(w, "Issuer ID:   %s\n", c.IssuerID)
	}
	fmt.Fprintf(w, "Serial:      %s\n", c.SerialNumber)
	fmt.Fprintf(w, "Valid:       %s to %s\n", c.ValidFrom.Format(time.RFC3339), c.ValidTo.Format(time.RFC3339))
	fmt.Fprintf(w, "Owner:       %s\n", c.OwnerID)
	fmt.Fprintf(w, "Status:      %s\n", status)
	fmt.Fprintf(w, "Fingerprint: %s\n", c.Fingerprint)
	if sans := subjectAltNames(c); len(sans) > 0 {
		fmt.Fprintf(w, "SANs:        %s\n", strings.Join(sans, ", "))
	}
	fmt.Fprintf(w, "Private key: %t\n", c.KeyRef != nil)
}

func subjectAltNames(c *pki.Certificate) []string {
	var out []string
	out = append(out, c.DNSNames...)
	out = append(out, c.IPAddresses...)
	out = append(out, c.EmailAddresses...)
	return append(out, c.URIs...)
}

func printCertificateTable(w io.Writer, certs []*pki.Certificate) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSUBJECT\tVALID TO\tSTATUS")
	for _, c := range certs {
		status := "active"
		if c.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Type, c.Subject.DistinguishedName(), c.ValidTo.Format("2006-01-02"), status)
	}
	return tw.Flush()
}

func output(c *pki.Certificate) error {
	if jsonOutput {
		return printJSON(c)
	}
	printCertificate(os.Stdout, c)
	return nil
}

func outputList(certs []*pki.Certificate) error {
	if jsonOutput {
		if certs == nil {
			certs = []*pki.Certificate{}
		}
		return printJSON(certs)
	}
	return printCertificateTable(os.Stdout, certs)
}
