package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ayoto/extensions/internal/extension/audit"
	"github.com/ayoto/extensions/internal/extension/codec"
	"github.com/ayoto/extensions/internal/extension/signing"
	"github.com/ayoto/extensions/pkg/extension"
)

func inspectCmd() *cobra.Command {
	var decryptKey string

	cmd := &cobra.Command{
		Use:   "inspect <package.aypk>",
		Short: "Show the contents of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts := codec.ParseOptions{}
			if decryptKey != "" {
				key, err := hex.DecodeString(decryptKey)
				if err != nil {
					return fmt.Errorf("decryption key must be hex: %w", err)
				}
				opts.DecryptionKey = key
			}
			pkg, err := codec.Parse(data, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			m := pkg.Manifest
			fmt.Fprintf(out, "Package:   %s v%s (%s)\n", m.ID, m.Version, m.PluginType)
			fmt.Fprintf(out, "Name:      %s\n", m.Name)
			if m.Author != nil {
				fmt.Fprintf(out, "Author:    %s\n", m.Author.Name)
			}
			fmt.Fprintf(out, "Format:    v%d", pkg.Header.Version)
			if pkg.Legacy {
				fmt.Fprint(out, " (legacy layout)")
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Code:      %d bytes", len(pkg.Code))
			if pkg.Metadata != nil {
				if pkg.Metadata.Compressed {
					fmt.Fprint(out, ", compressed")
				}
				if pkg.Metadata.Encrypted {
					fmt.Fprint(out, ", encrypted")
				}
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Assets:    %d\n", len(pkg.Assets))
			fmt.Fprintf(out, "Signed:    %v\n", pkg.Signature != nil)
			if pkg.Metadata != nil {
				fmt.Fprintf(out, "Built:     %s by %s (%s)\n",
					pkg.Metadata.BuiltAt.Format("2006-01-02 15:04:05 MST"),
					pkg.Metadata.Builder, pkg.Metadata.BuildID)
			}
			fmt.Fprintf(out, "Permissions: %v\n", m.Permissions)
			for _, w := range pkg.Warnings {
				fmt.Fprintf(out, "Warning:   %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&decryptKey, "key", "", "hex-encoded decryption key")
	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		trustedKeyPaths []string
		requireSig      bool
		decryptKey      string
	)

	cmd := &cobra.Command{
		Use:   "verify <package.aypk>",
		Short: "Verify a package's integrity, signature, and code audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			opts := codec.ParseOptions{RequireSignature: requireSig}
			for _, p := range trustedKeyPaths {
				pemData, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read trusted key %s: %w", p, err)
				}
				pub, err := signing.ParsePublicKey(string(pemData))
				if err != nil {
					return fmt.Errorf("trusted key %s: %w", p, err)
				}
				opts.TrustedKeys = append(opts.TrustedKeys, pub)
			}
			if decryptKey != "" {
				key, err := hex.DecodeString(decryptKey)
				if err != nil {
					return fmt.Errorf("decryption key must be hex: %w", err)
				}
				opts.DecryptionKey = key
			}

			pkg, err := codec.Parse(data, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report := audit.Scan(pkg.Code)
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "audit [%s] line %d: %s\n", issue.Severity, issue.Line, issue.Message)
			}
			for _, w := range pkg.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if !report.Passed() {
				return fmt.Errorf("%s fails the security audit", args[0])
			}
			fmt.Fprintf(out, "%s verified: integrity OK, signed=%v, audit passed\n", args[0], pkg.Signature != nil)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&trustedKeyPaths, "trusted-key", nil, "PEM public key to trust (repeatable)")
	cmd.Flags().BoolVar(&requireSig, "require-signature", false, "fail unsigned packages")
	cmd.Flags().StringVar(&decryptKey, "key", "", "hex-encoded decryption key")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest.json>",
		Short: "Validate a manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := extension.ParseManifest(data)
			if err != nil {
				return err
			}
			res := extension.Validate(m)
			out := cmd.OutOrStdout()
			for _, e := range res.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if !res.Valid {
				return fmt.Errorf("%s is invalid (%d errors)", args[0], len(res.Errors))
			}
			fmt.Fprintf(out, "%s is valid (%d warnings)\n", args[0], len(res.Warnings))
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var outPrefix string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ECDSA P-256 signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			privPEM, err := signing.EncodePrivateKey(key)
			if err != nil {
				return err
			}
			pubPEM, err := signing.EncodePublicKey(&key.PublicKey)
			if err != nil {
				return err
			}
			privPath := outPrefix + ".key"
			pubPath := outPrefix + ".pub"
			if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPrefix, "out", "o", "signing", "output file prefix")
	return cmd
}
