// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// SigningService signs the repository manifest with the configured certificate.
type SigningService struct {
	certPath string
	keyPath  string
}

func NewSigningService(certPath string, keyPath string) *SigningService {
	return &SigningService{
		certPath: certPath,
		keyPath:  keyPath,
	}
}

// Sign writes a detached PEM S/MIME signature of manifestPath to XC-SIGNATURE in the same directory and returns
// its path.
func (s *SigningService) Sign(ctx context.Context, manifestPath string) (string, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "sign_repository")
	defer span.End()

	signaturePath := filepath.Join(filepath.Dir(manifestPath), SignatureFileName)

	logger.Log.Infof("Signing (%s) with (%s)", manifestPath, s.certPath)

	err := shell.NewExecBuilder("openssl", "smime", "-sign",
		"-aes256",
		"-binary",
		"-in", manifestPath,
		"-out", signaturePath,
		"-outform", "PEM",
		"-signer", s.certPath,
		"-inkey", s.keyPath).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(3).
		Execute()
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrSign, manifestPath, err)
	}

	return signaturePath, nil
}
