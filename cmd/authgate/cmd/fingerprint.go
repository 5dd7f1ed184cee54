package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var fingerprintUsername string

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Manage trusted browser fingerprints",
}

var fingerprintAddCmd = &cobra.Command{
	Use:   "add <name> <fingerprint>",
	Short: "Trust a browser fingerprint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		fp, err := store.AddFingerprint(cmd.Context(), args[0], args[1], fingerprintUsername)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Trusted %s (id %s)\n", fp.Name, fp.ID)
		return nil
	},
}

var fingerprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted browser fingerprints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		list, err := store.ListFingerprints(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tCREATED")
		for _, fp := range list {
			user := fp.Username
			if user == "" {
				user = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", fp.ID, fp.Name, user, fp.CreatedAt.Format("2006-01-02"))
		}
		return tw.Flush()
	},
}

var fingerprintRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a trusted browser fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.RevokeFingerprint(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.AddCommand(fingerprintAddCmd, fingerprintListCmd, fingerprintRevokeCmd)
	fingerprintAddCmd.Flags().StringVar(&fingerprintUsername, "username", "", "User the browser logs in as with a security key")
}
