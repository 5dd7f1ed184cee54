package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	userPassword   string
	userYubikeyUID string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage gateway users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user whose identity provider password the gateway replays",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		password := userPassword
		if password == "" {
			password, err = readLine(cmd, "Password: ")
			if err != nil {
				return err
			}
		}

		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		u, err := store.CreateUser(cmd.Context(), args[0], password, userYubikeyUID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created user %s\n", u.Username)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users and their second factors",
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

		users, err := store.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USERNAME\tSECURITY KEYS\tYUBIKEY\tCREATED")
		for _, u := range users {
			yk := "-"
			if u.YubikeyUID != "" {
				yk = u.YubikeyUID
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", u.Username, len(u.Credentials), yk, u.CreatedAt.Format("2006-01-02"))
		}
		return tw.Flush()
	},
}

// readLine prompts on stderr and reads one line from the command's input.
func readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no input given")
	}
	return line, nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userListCmd)
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Identity provider password (prompted when omitted)")
	userAddCmd.Flags().StringVar(&userYubikeyUID, "yubikey-uid", "", "Modhex public identity of the user's Yubikey")
}
