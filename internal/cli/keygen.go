package cli

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LeJamon/goOPRd/internal/auth"
)

var (
	keygenOut  string
	keygenBits int
	keygenKid  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA signing key for a host",
	Long: `Generate an RSA keypair, write the private key to a PEM file and
print the public key as a JWK ready for the host's jwks.json.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenOut, "out", "oprd.pem", "private key output file")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size")
	keygenCmd.Flags().StringVar(&keygenKid, "kid", "", "key id published in the JWK")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenBits < 2048 {
		return fmt.Errorf("refusing to generate a key below 2048 bits")
	}
	key, err := rsa.GenerateKey(rand.Reader, keygenBits)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	if dir := filepath.Dir(keygenOut); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(keygenOut, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", keygenOut, err)
	}

	jwk := auth.FromRSAPublicKey(&key.PublicKey, keygenKid)
	encoded, err := json.MarshalIndent(jwk, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("Private key written to %s\n", keygenOut)
	fmt.Printf("Public JWK:\n%s\n", encoded)
	return nil
}
