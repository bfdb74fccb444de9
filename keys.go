package xfedmsg

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// PEM block types understood by the key and certificate parsers.
const (
	pemPKCS8PrivateKey = "PRIVATE KEY"
	pemPKCS1PrivateKey = "RSA PRIVATE KEY"
	pemCertificate     = "CERTIFICATE"
)

var (
	errNoPEM        = errors.New("no PEM data found")
	errNoPrivateKey = errors.New("no private key block found")
	errNoCert       = errors.New("no certificate block found")
)

// LoadPrivateKey reads the PEM file at path and returns the RSA private key
// it contains. PKCS#8 ("PRIVATE KEY") and PKCS#1 ("RSA PRIVATE KEY") blocks
// are accepted; the first private key block wins.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioError("load private key", path, err)
	}
	return parsePrivateKey(path, data)
}

func parsePrivateKey(path string, data []byte) (*rsa.PrivateKey, error) {
	block, err := findPEMBlock(data, pemPKCS8PrivateKey, pemPKCS1PrivateKey)
	if err != nil {
		if errors.Is(err, errNoPEM) {
			return nil, parseError("parse private key", path, err)
		}
		return nil, parseError("parse private key", path, errNoPrivateKey)
	}

	switch block.Type {
	case pemPKCS1PrivateKey:
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoError("convert private key", path, err)
		}
		return k, nil
	default:
		anyKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoError("convert private key", path, err)
		}
		k, ok := anyKey.(*rsa.PrivateKey)
		if !ok {
			return nil, cryptoError("convert private key", path, fmt.Errorf("unsupported key type %T", anyKey))
		}
		return k, nil
	}
}

// parseCertificatePublicKey returns the RSA public key of the first
// CERTIFICATE block in text.
func parseCertificatePublicKey(text []byte) (*rsa.PublicKey, error) {
	block, err := findPEMBlock(text, pemCertificate)
	if err != nil {
		if errors.Is(err, errNoPEM) {
			return nil, parseError("parse certificate", "", err)
		}
		return nil, parseError("parse certificate", "", errNoCert)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, parseError("parse certificate", "", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, cryptoError("parse certificate", "", fmt.Errorf("unsupported public key type %T", cert.PublicKey))
	}
	return pub, nil
}

// findPEMBlock scans concatenated PEM data for the first block of one of the
// given types. errNoPEM means the input held no PEM block at all.
func findPEMBlock(data []byte, types ...string) (*pem.Block, error) {
	seen := false
	for len(data) > 0 {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		seen = true
		for _, t := range types {
			if block.Type == t {
				return block, nil
			}
		}
		data = rest
	}
	if !seen {
		return nil, errNoPEM
	}
	return nil, fmt.Errorf("no PEM block of type %v", types)
}
