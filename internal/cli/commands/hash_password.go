package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/relay/internal/web/auth"
)

// NewHashPasswordCommand creates the hash-password command
func NewHashPasswordCommand() *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for auth.users",
		Long: `Prompt for a password and print its bcrypt hash, ready to paste into
the password_hash field of an auth.users entry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				password string
				err      error
			)
			if fromStdin {
				password, err = readPassword(cmd.InOrStdin())
			} else {
				password, err = promptPassword()
			}
			if err != nil {
				return err
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the password from standard input")
	return cmd
}

func promptPassword() (string, error) {
	var password, confirm string
	if err := survey.AskOne(&survey.Password{Message: "Password:"}, &password, survey.WithValidator(survey.Required)); err != nil {
		return "", err
	}
	if err := survey.AskOne(&survey.Password{Message: "Confirm password:"}, &confirm); err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func readPassword(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(string(data), "\r\n")
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return password, nil
}
