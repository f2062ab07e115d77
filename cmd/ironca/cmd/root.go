package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath  string
	principalID string
	roleName    string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "ironca",
	Short: "IronCA is a certificate authority",
	Long: `A certificate authority that issues, revokes and distributes X.509
certificates arranged in root, intermediate and end-entity chains.
Complete documentation is available at https://github.com/jmcleod/ironca`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&principalID, "principal", "admin", "Principal the command runs as")
	rootCmd.PersistentFlags().StringVar(&roleName, "role", string(pki.RoleAdmin), "Role of the principal (ADMIN, CA_OPERATOR, END_USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

func currentPrincipal() (pki.Principal, error) {
	p := pki.Principal{ID: principalID, Role: pki.Role(roleName)}
	if p.ID == "" || !p.Role.Valid() {
		return pki.Principal{}, errInvalidPrincipal(p)
	}
	return p, nil
}
