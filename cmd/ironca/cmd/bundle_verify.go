package cmd

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type bundleResult struct {
	File       string        `json:"file"`
	Leaf       string        `json:"leaf,omitempty"`
	Root       string        `json:"root,omitempty"`
	ChainCount int           `json:"chain_count"`
	Valid      bool          `json:"valid"`
	Checks     []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *bundleResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *bundleResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

func (r *bundleResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// parseBundle decodes every CERTIFICATE block in data, in order.
func parseBundle(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("trailing data is not PEM")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
		rest = bytes.TrimSpace(rest)
	}
	return certs, nil
}

// verifyBundle checks a leaf-first chain as produced by "ironca chain --out".
// Revocation cannot be checked offline.
func verifyBundle(chain []*x509.Certificate, now time.Time) bundleResult {
	result := bundleResult{ChainCount: len(chain), Valid: true}
	if len(chain) == 0 {
		result.fail("non_empty", "no certificates found")
		return result
	}
	result.Leaf = chain[0].Subject.String()
	root := chain[len(chain)-1]
	result.Root = root.Subject.String()

	// 1. Self-signed anchor.
	if err := root.CheckSignatureFrom(root); err == nil && bytes.Equal(root.RawIssuer, root.RawSubject) {
		result.pass("root_anchor", "")
	} else {
		result.fail("root_anchor", "last certificate is not a self-signed root")
	}

	// 2. Signature links.
	linksOK := true
	for i := 0; i+1 < len(chain); i++ {
		child, parent := chain[i], chain[i+1]
		if err := child.CheckSignatureFrom(parent); err != nil {
			linksOK = false
			result.fail("signature_links", fmt.Sprintf("certificate %d (%s) is not signed by certificate %d: %v",
				i, child.Subject, i+1, err))
			break
		}
	}
	if linksOK {
		result.pass("signature_links", fmt.Sprintf("all %d links verify", len(chain)-1))
	}

	// 3. Issuers are CAs.
	caOK := true
	for i, c := range chain[1:] {
		if !c.IsCA || !c.BasicConstraintsValid {
			caOK = false
			result.fail("ca_constraints", fmt.Sprintf("certificate %d (%s) is not a CA", i+1, c.Subject))
			break
		}
	}
	if caOK {
		result.pass("ca_constraints", "")
	}

	// 4. Path length constraints.
	pathOK := true
	for i := 1; i < len(chain); i++ {
		c := chain[i]
		if c.MaxPathLen < 0 || (c.MaxPathLen == 0 && !c.MaxPathLenZero) {
			continue
		}
		// Intermediates below c, excluding the leaf.
		if below := i - 1; below > c.MaxPathLen {
			pathOK = false
			result.fail("path_length", fmt.Sprintf("certificate %d allows %d intermediates below it, found %d",
				i, c.MaxPathLen, below))
			break
		}
	}
	if pathOK {
		result.pass("path_length", "")
	}

	// 5. Validity windows.
	expired := 0
	var expiredDetail string
	for i, c := range chain {
		if now.Before(c.NotBefore) || !now.Before(c.NotAfter) {
			expired++
			if expiredDetail == "" {
				expiredDetail = fmt.Sprintf("certificate %d (%s) is valid %s to %s",
					i, c.Subject, c.NotBefore.Format(time.RFC3339), c.NotAfter.Format(time.RFC3339))
			}
		}
	}
	if expired == 0 {
		result.pass("validity_windows", "")
	} else {
		result.fail("validity_windows", expiredDetail)
	}

	result.warn("revocation", "revocation status cannot be checked offline; use \"ironca verify\"")
	return result
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanBundleResult(result bundleResult) {
	fmt.Printf("Bundle verification: %s\n", result.File)
	fmt.Printf("Leaf:         %s\n", result.Leaf)
	fmt.Printf("Root:         %s\n", result.Root)
	fmt.Printf("Certificates: %d\n\n", result.ChainCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Printf("%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", tag, c.Name)
		}
	}

	fmt.Println()
	if result.Valid {
		fmt.Println("Result: VALID")
		return
	}
	failures := 0
	for _, c := range result.Checks {
		if c.Status == "fail" {
			failures++
		}
	}
	fmt.Printf("Result: INVALID (%d error(s))\n", failures)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var bundleVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify a PEM chain offline",
	Long: `Reads a leaf-first PEM chain (from "ironca chain --out") and verifies the
signature links, CA and path length constraints, validity windows and the
self-signed root.

Revocation is not checked because it requires the CA's records.`,
	Args: cobra.ExactArgs(1),
	RunE: runBundleVerify,
}

func init() {
	bundleCmd.AddCommand(bundleVerifyCmd)
}

func runBundleVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}
	chain, err := parseBundle(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid PEM bundle: %v\n", err)
		os.Exit(2)
	}

	result := verifyBundle(chain, time.Now())
	result.File = filePath

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanBundleResult(result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
