package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ayoto/extensions/internal/extension/audit"
	"github.com/ayoto/extensions/internal/extension/codec"
	"github.com/ayoto/extensions/internal/extension/signing"
	"github.com/ayoto/extensions/pkg/extension"
)

func buildCmd() *cobra.Command {
	var (
		manifestPath string
		codePath     string
		assetsDir    string
		outPath      string
		compress     bool
		signKeyPath  string
		encryptKey   string
		skipAudit    bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an .aypk package from a manifest and source file",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestData, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			m, err := extension.ParseManifest(manifestData)
			if err != nil {
				return err
			}

			codeData, err := os.ReadFile(codePath)
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}

			if !skipAudit {
				report := audit.Scan(signing.NormalizeSource(string(codeData)))
				for _, issue := range report.Issues {
					fmt.Fprintf(cmd.ErrOrStderr(), "audit [%s] line %d: %s\n", issue.Severity, issue.Line, issue.Message)
				}
				if !report.Passed() {
					return fmt.Errorf("code failed the security audit with %d blocking findings", len(report.Blocking()))
				}
			}

			opts := codec.BuildOptions{Builder: "ayoto-ext", Compress: compress}
			if signKeyPath != "" {
				keyPEM, err := os.ReadFile(signKeyPath)
				if err != nil {
					return fmt.Errorf("read signing key: %w", err)
				}
				key, err := signing.ParsePrivateKey(string(keyPEM))
				if err != nil {
					return err
				}
				opts.SigningKey = key
			}
			if encryptKey != "" {
				key, err := hex.DecodeString(encryptKey)
				if err != nil {
					return fmt.Errorf("encryption key must be hex: %w", err)
				}
				opts.EncryptionKey = key
			}

			assets, err := collectAssets(assetsDir)
			if err != nil {
				return err
			}

			data, err := codec.Build(m, string(codeData), assets, opts)
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = m.ID + ".aypk"
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write package: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Built %s (%d bytes, %d assets)\n", outPath, len(data), len(assets))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "manifest.json", "manifest file")
	cmd.Flags().StringVarP(&codePath, "code", "c", "index.js", "extension source file")
	cmd.Flags().StringVar(&assetsDir, "assets", "", "directory of assets to embed")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output path (default <id>.aypk)")
	cmd.Flags().BoolVar(&compress, "compress", false, "gzip the code section")
	cmd.Flags().StringVar(&signKeyPath, "sign-key", "", "PEM private key to sign with")
	cmd.Flags().StringVar(&encryptKey, "encrypt-key", "", "hex-encoded 32-byte AES key")
	cmd.Flags().BoolVar(&skipAudit, "skip-audit", false, "build even if the security audit fails")
	return cmd
}

func collectAssets(dir string) (map[string]codec.Asset, error) {
	if dir == "" {
		return nil, nil
	}
	assets := make(map[string]codec.Asset)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read asset %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		assets[filepath.ToSlash(rel)] = codec.Asset{
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: strings.Split(mimeType, ";")[0],
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}
