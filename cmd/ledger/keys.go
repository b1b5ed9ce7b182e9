package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/freehandle/ledger/config"
	"github.com/freehandle/ledger/crypto"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	valueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#50FA7B"))
)

func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <path>",
		Short: "Generate a server key",
		Long: `Write a new ed25519 private key as PEM, its public key next to it with a
.pub suffix, and print the token peers must configure for this server.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, key := crypto.RandomAsymetricKey()
			if err := config.WriteKey(args[0], key); err != nil {
				return err
			}
			public, err := crypto.EncodePEMPublicKey(token)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0]+".pub", public, 0o644); err != nil {
				return fmt.Errorf("could not write public key: %w", err)
			}
			if !interactive() {
				fmt.Println(token)
				return nil
			}
			fmt.Println(titleStyle.Render("New server key"))
			fmt.Printf("%s %s\n", mutedStyle.Render("key file:   "), args[0])
			fmt.Printf("%s %s\n", mutedStyle.Render("token:      "), valueStyle.Render(token.String()))
			fmt.Printf("%s %s\n", mutedStyle.Render("fingerprint:"), token.Fingerprint())
			return nil
		},
	}
}
