package cli

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"

	"github.com/AnshRaj112/hams-diary/pkg/utils"
)

type hashKeyResult struct {
	Key  string `json:"key,omitempty"`
	Hash string `json:"hash"`
}

// NewHashKeyCommand creates the hash-key command. It prints the value for
// ADMIN_API_KEY_HASH.
func NewHashKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash an admin API key for ADMIN_API_KEY_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res hashKeyResult
			switch {
			case len(args) == 1 && generate:
				return fmt.Errorf("pass a key or --generate, not both")
			case len(args) == 1:
				if args[0] == "" {
					return fmt.Errorf("key is empty")
				}
			case generate:
				b := make([]byte, 32)
				if _, err := rand.Read(b); err != nil {
					return err
				}
				res.Key = base64.RawURLEncoding.EncodeToString(b)
			default:
				return fmt.Errorf("pass a key or --generate")
			}

			key := res.Key
			if key == "" {
				key = args[0]
			}
			hash, err := utils.HashAPIKey(key)
			if err != nil {
				return err
			}
			res.Hash = hash
			return emit(cmd.OutOrStdout(), rootOpts, res, func(w io.Writer) {
				if res.Key != "" {
					fmt.Fprintf(w, "key:  %s\n", res.Key)
				}
				fmt.Fprintf(w, "hash: %s\n", res.Hash)
			})
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random key and print it with its hash")
	return cmd
}

type tokenResult struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// NewTokenCommand creates owner-token or admin-token, which mint a bearer
// session in the matching Redis session store.
func NewTokenCommand(rootOpts *RootOptions, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.Open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions := a.OwnerSessions
			if use == "admin-token" {
				sessions = a.AdminSessions
			}
			token, err := sessions.CreateSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := tokenResult{ID: args[0], Token: token}
			return emit(cmd.OutOrStdout(), rootOpts, res, func(w io.Writer) {
				fmt.Fprintln(w, res.Token)
			})
		},
	}
}

// NewUnblockIPCommand creates the unblock-ip command.
func NewUnblockIPCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock-ip <ip>",
		Short: "Lift a rate-limit block on an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if net.ParseIP(args[0]) == nil {
				return fmt.Errorf("invalid IP address %q", args[0])
			}
			a, err := rootOpts.Open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.RateLimit.UnblockIP(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
			return nil
		},
	}
}
