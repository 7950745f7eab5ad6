package services

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/datakeep/datakeep-services-uploads/config"
	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/store"
)

// Validator gates uploads before ingestion and verifies the assembled
// object afterwards.
type Validator interface {
	// ValidateRequest checks name, type, size and checksum format. All
	// failures are collected and reported together.
	ValidateRequest(fileName, fileType string, fileSize uint64, checksum string) error
	// VerifyDigest streams the object at key and compares its digest with
	// expected ("<algo>:<hex>"). Empty expected skips with a warning.
	VerifyDigest(ctx context.Context, key, expected string) error
	// VerifyStructure runs the format check for .json/.jsonl files.
	VerifyStructure(ctx context.Context, key, fileName string) error
}

type ValidatorImpl struct {
	cfg     *config.UploadConfig
	storage store.ObjectStorage

	logger logging.Logger
}

func NewValidatorImpl(cfg *config.UploadConfig, storage store.ObjectStorage, l logging.Logger) *ValidatorImpl {
	return &ValidatorImpl{
		cfg:     cfg,
		storage: storage,
		logger:  l,
	}
}

var digestPattern = regexp.MustCompile(`^sha256:[0-9a-fA-F]{64}$`)

func (v *ValidatorImpl) ValidateRequest(fileName, fileType string, fileSize uint64, checksum string) error {
	var failures []string

	if fileSize == 0 {
		failures = append(failures, "fileSize must be positive")
	} else if fileSize > v.cfg.MaxFileSize {
		failures = append(failures, fmt.Sprintf("fileSize exceeds limit of %d bytes", v.cfg.MaxFileSize))
	}

	if !containsFold(v.cfg.AllowedTypes, fileType) {
		failures = append(failures, fmt.Sprintf("fileType %q is not allowed", fileType))
	}

	if ext := fileExtension(fileName); ext == "" || !containsFold(v.cfg.AllowedExtensions, ext) {
		failures = append(failures, fmt.Sprintf("file extension %q is not allowed", ext))
	}

	if checksum != "" && !digestPattern.MatchString(checksum) {
		failures = append(failures, "checksum must have the form sha256:<64 hex digits>")
	}

	if len(failures) > 0 {
		return apperror.New(apperror.CodeValidation, "upload request rejected").
			WithDetails("failures", failures)
	}
	return nil
}

func (v *ValidatorImpl) VerifyDigest(ctx context.Context, key, expected string) error {
	if expected == "" {
		v.logger.Warn("no checksum supplied, skipping integrity verification", "key", key)
		return nil
	}

	algo, want, ok := strings.Cut(expected, ":")
	if !ok || algo != v.cfg.DigestAlgorithm {
		return apperror.New(apperror.CodeValidation, "unsupported digest algorithm").
			WithDetails("expected", expected)
	}

	body, err := v.storage.GetStream(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "failed to read assembled object", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(want) {
		return apperror.DigestMismatch(expected, v.cfg.DigestAlgorithm+":"+got)
	}
	return nil
}

func (v *ValidatorImpl) VerifyStructure(ctx context.Context, key, fileName string) error {
	switch fileExtension(fileName) {
	case "json":
		return v.verifyJSON(ctx, key)
	case "jsonl":
		return v.verifyJSONL(ctx, key)
	}
	return nil
}

func (v *ValidatorImpl) verifyJSON(ctx context.Context, key string) error {
	body, err := v.storage.GetStream(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return apperror.New(apperror.CodeStructural, "file is not valid JSON").
			WithDetails("cause", err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return apperror.New(apperror.CodeStructural, "file contains trailing data after the JSON value")
	}
	return nil
}

func (v *ValidatorImpl) verifyJSONL(ctx context.Context, key string) error {
	body, err := v.storage.GetStream(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return apperror.New(apperror.CodeStructural, "file is not valid JSONL").
				WithDetails("line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "failed to read assembled object", err)
	}
	return nil
}

// fileExtension returns the lowercase last dot-segment of name, or "" when
// there is none.
func fileExtension(name string) string {
	pos := strings.LastIndex(name, ".")
	if pos < 0 || pos == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[pos+1:])
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
