package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/api"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/objectstore"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
)

// =============================================================================
// KEYGEN
// =============================================================================

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing key for a scanner",
	Long: `Write a new raw Ed25519 private key (mode 0600) and print the public
key as a registry entry for the ingest side's public_keys file.

Example:
  lighthouse keygen --out ./scanner.key --source-id internet_scanner_001`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		source, _ := cmd.Flags().GetString("source-id")
		force, _ := cmd.Flags().GetBool("force")
		if source == "" {
			source = cfg.Scanner.SourceID
		}

		signer, err := generateKeyFile(out, source, force)
		if err != nil {
			return err
		}

		entry, _ := json.Marshal(map[string]string{source: signer.PublicKeyBase64()})
		authorized, err := signer.AuthorizedKey()
		if err != nil {
			return err
		}

		color.Green("Private key written to %s\n", out)
		color.White("Registry entry:\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", entry)
		color.White("authorized_keys form:\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", authorized)
		return nil
	},
}

// generateKeyFile writes a fresh raw private key to path. An existing file
// is only replaced with force.
func generateKeyFile(path, sourceID string, force bool) (*trust.Signer, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists (use --force to replace it)", path)
	}
	signer, err := trust.GenerateSigner(sourceID)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, signer.PrivateKeyBytes(), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}
	return signer, nil
}

// =============================================================================
// SIGN / VERIFY
// =============================================================================

var signCmd = &cobra.Command{
	Use:   "sign <payload>",
	Short: "Sign a payload file, writing <payload>.sig",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		if keyPath == "" {
			keyPath = cfg.Scanner.SigningKeyPath
		}

		sigPath, err := signFile(keyPath, cfg.Scanner.SourceID, args[0])
		if err != nil {
			return err
		}
		color.Green("Signature written to %s\n", sigPath)
		return nil
	},
}

func signFile(keyPath, sourceID, payloadPath string) (string, error) {
	signer, err := trust.LoadSigner(keyPath, sourceID)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(payloadPath)
	if err != nil {
		return "", fmt.Errorf("failed to read payload: %w", err)
	}
	sigPath := objectstore.SignatureKey(payloadPath)
	if err := os.WriteFile(sigPath, signer.Sign(raw), 0o644); err != nil {
		return "", fmt.Errorf("failed to write signature: %w", err)
	}
	return sigPath, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify <payload>",
	Short: "Verify a payload and its signature against the key registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sigPath, _ := cmd.Flags().GetString("sig")
		keysPath, _ := cmd.Flags().GetString("keys")
		if keysPath == "" {
			keysPath = cfg.Ingest.PublicKeysPath
		}

		registry, err := trust.LoadRegistry(keysPath)
		if err := warnIfConfig(log, err); err != nil {
			return err
		}

		source, err := verifyFile(registry, args[0], sigPath)
		if err != nil {
			color.Red("REJECTED %s: %v\n", args[0], err)
			return err
		}
		color.Green("OK %s (source_id %s)\n", args[0], source)
		return nil
	},
}

// verifyFile checks payloadPath against its detached signature. sigPath
// defaults to <payload>.sig.
func verifyFile(registry *trust.Registry, payloadPath, sigPath string) (string, error) {
	raw, err := os.ReadFile(payloadPath)
	if err != nil {
		return "", fmt.Errorf("failed to read payload: %w", err)
	}
	if sigPath == "" {
		sigPath = objectstore.SignatureKey(payloadPath)
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read signature: %w", err)
	}

	source, err := events.PeekSource(raw)
	if err != nil {
		return "", err
	}
	if err := trust.NewGateway(registry).Verify(raw, sig, source); err != nil {
		return source, err
	}
	return source, nil
}

// =============================================================================
// TOKEN
// =============================================================================

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue an API bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		auth, err := api.NewAuthenticator(cfg.Security.JWTSecret, ttl)
		if err != nil {
			return fmt.Errorf("set security.jwt_secret (JWT_SECRET_KEY): %w", err)
		}
		token, err := auth.IssueToken(args[0], roles)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd, signCmd, verifyCmd, tokenCmd)

	keygenCmd.Flags().String("out", defaults.Scanner.SigningKeyPath, "Private key output path")
	keygenCmd.Flags().String("source-id", "", "Source id for the registry entry (default from config)")
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing key")

	signCmd.Flags().String("key", "", "Private key path (default from config)")

	verifyCmd.Flags().String("sig", "", "Signature path (default <payload>.sig)")
	verifyCmd.Flags().String("keys", "", "Public key registry (default from config)")

	tokenCmd.Flags().StringSlice("role", []string{api.RoleUser}, "Roles granted (user, admin)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
