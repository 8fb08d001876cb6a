package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thinh-nguyen-03/gatekeep/internal/tlsboot"
)

var (
	certDir   string
	certHosts []string
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed certificate and key",
	Long: `Write a self-signed certificate (certificate.crt) and PKCS#8 private key
(key.pem) to --dir. The certificate always covers localhost and the loopback
addresses; --host adds more names or IPs.

Examples:
  gatekeep cert --dir ./tls
  gatekeep cert --dir /etc/gatekeep --host gatekeep.internal --host 10.0.0.5`,
	RunE: runCert,
}

func init() {
	rootCmd.AddCommand(certCmd)

	certCmd.Flags().StringVar(&certDir, "dir", "", "output directory (default from tls.self_signed_dir)")
	certCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra DNS name or IP for the certificate")
}

func runCert(cmd *cobra.Command, args []string) error {
	dir := certDir
	if dir == "" {
		dir = cfg.TLS.SelfSignedDir
	}

	m, err := tlsboot.Default(certHosts...).WriteSelfSigned(dir)
	if err != nil {
		return err
	}

	fmt.Printf("Certificate: %s\n", m.CertPath)
	fmt.Printf("Private key: %s\n", m.KeyPath)
	fmt.Printf("SHA-256:     %s\n", m.Fingerprint)
	return nil
}
