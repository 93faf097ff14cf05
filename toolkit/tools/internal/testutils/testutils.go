// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func CheckSkipForRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses loop devices and mounts")
	}
}

// RequireCommandsEnvVar turns CheckSkipForCommands skips into failures when set to "1", so CI hosts that are meant
// to carry the host tools do not pass by skipping.
const RequireCommandsEnvVar = "ISOEDITOR_TEST_REQUIRE_COMMANDS"

// CheckSkipForCommands skips the test unless every command is on PATH.
func CheckSkipForCommands(t *testing.T, commands ...string) {
	for _, command := range commands {
		exists, err := file.CommandExists(command)
		assert.NoError(t, err)
		if exists {
			continue
		}

		if os.Getenv(RequireCommandsEnvVar) == "1" {
			t.Fatalf("The '%s' command is not available and %s=1", command, RequireCommandsEnvVar)
		}
		t.Skipf("The '%s' command is not available", command)
	}
}

// WriteFakeProgram writes an executable shell script called name into dir and returns its path.
func WriteFakeProgram(t *testing.T, dir string, name string, script string) string {
	err := os.MkdirAll(dir, os.ModePerm)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	err = os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755)
	require.NoError(t, err)
	return path
}

// PrependPath puts dir in front of PATH for the rest of the test.
func PrependPath(t *testing.T, dir string) {
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// WriteTree creates each file, keyed by its path relative to root.
func WriteTree(t *testing.T, root string, files map[string]string) {
	for relPath, content := range files {
		path := filepath.Join(root, relPath)
		err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
		require.NoError(t, err)

		err = os.WriteFile(path, []byte(content), 0o644)
		require.NoError(t, err)
	}
}

// GenerateSigningKeyPair writes a self-signed certificate and its private key as PEM files.
func GenerateSigningKeyPair(t *testing.T, certPath string, keyPath string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "isoeditor test signer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDer, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDer, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	writePem(t, certPath, "CERTIFICATE", certDer)
	writePem(t, keyPath, "PRIVATE KEY", keyDer)
}

func writePem(t *testing.T, path string, blockType string, der []byte) {
	err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
	require.NoError(t, err)

	err = os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600)
	require.NoError(t, err)
}
