// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
)

// verifySize checks the on-disk size against the manifest entry.
func verifySize(spec FileSpec, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() != spec.Size {
		return &VerificationError{
			Name:     spec.Name,
			Method:   "size",
			Expected: strconv.FormatInt(spec.Size, 10),
			Actual:   strconv.FormatInt(fi.Size(), 10),
		}
	}
	return nil
}

// verifySHA256 computes the file's SHA-256 and compares it to expected.
func verifySHA256(spec FileSpec, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, spec.SHA256) {
		return &VerificationError{
			Name:     spec.Name,
			Method:   "sha256",
			Expected: strings.ToLower(spec.SHA256),
			Actual:   sum,
		}
	}
	return nil
}

// verifyTransferred runs the post-transfer checks. A checksum mismatch
// removes the file so the next run re-downloads it instead of treating the
// size-matched bytes as complete.
func verifyTransferred(spec FileSpec, path string) error {
	if err := verifySize(spec, path); err != nil {
		return err
	}
	if spec.SHA256 != "" {
		if err := verifySHA256(spec, path); err != nil {
			var ve *VerificationError
			if errors.As(err, &ve) {
				os.Remove(path)
			}
			return err
		}
	}
	return nil
}
