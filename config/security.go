package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/pkg/tlsutil"
)

const (
	maxLayerBytes   = 1 << 20
	maxLayerNesting = 64
	maxEnvBytes     = 4096

	// MaxFrameSizeCeiling is the largest server.max_frame_size accepted
	MaxFrameSizeCeiling = 16 << 20
)

// secretEnv names overrides whose values never appear in errors
var secretEnv = map[string]bool{
	"NATS_PASSWORD": true,
	"NATS_TOKEN":    true,
}

// readLayer reads one configuration layer. The path must name a regular
// .json file of at most maxLayerBytes and may not contain a ".." element.
func readLayer(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty layer path", errors.ErrMissingConfig)
	}
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("%w: layer %s is not a .json file", errors.ErrInvalidConfig, path)
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return nil, fmt.Errorf("%w: layer path %s contains \"..\"", errors.ErrInvalidConfig, path)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: layer %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxLayerBytes {
		return nil, fmt.Errorf("%w: layer %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxLayerBytes)
	}

	// the file may grow between Stat and the read
	data, err := io.ReadAll(io.LimitReader(f, maxLayerBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLayerBytes {
		return nil, fmt.Errorf("%w: layer %s exceeds %d bytes", errors.ErrInvalidConfig, path, maxLayerBytes)
	}
	return data, nil
}

// checkNesting fails when objects and arrays nest deeper than
// maxLayerNesting. Malformed JSON fails here too.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxLayerNesting {
				return fmt.Errorf("%w: nesting deeper than %d levels", errors.ErrInvalidConfig, maxLayerNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

// checkEnvValue rejects an override that cannot be a setting: too long,
// carrying control characters, or padded with spaces
func checkEnvValue(key, name, value string) error {
	if len(value) > maxEnvBytes {
		return fmt.Errorf("%w: %s is longer than %d bytes", errors.ErrInvalidConfig, key, maxEnvBytes)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			if secretEnv[name] {
				return fmt.Errorf("%w: %s contains a control character", errors.ErrInvalidConfig, key)
			}
			return fmt.Errorf("%w: %s contains control character %q", errors.ErrInvalidConfig, key, r)
		}
	}
	if !secretEnv[name] && strings.TrimSpace(value) != value {
		return fmt.Errorf("%w: %s has leading or trailing spaces", errors.ErrInvalidConfig, key)
	}
	return nil
}

// checkTLSFiles verifies the listener's certificate material before anything
// binds: every file must be a regular file, and the private key may not be
// readable by group or others.
func checkTLSFiles(cfg tlsutil.ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	type tlsFile struct {
		field, path string
		private     bool
	}
	files := []tlsFile{
		{field: "server.tls.cert_file", path: cfg.CertFile},
		{field: "server.tls.key_file", path: cfg.KeyFile, private: true},
	}
	if cfg.MTLS.Enabled {
		for i, ca := range cfg.MTLS.ClientCAFiles {
			files = append(files, tlsFile{field: fmt.Sprintf("server.tls.mtls.client_ca_files[%d]", i), path: ca})
		}
	}

	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, f.field, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: %s %s is not a regular file", errors.ErrInvalidConfig, f.field, f.path)
		}
		if f.private && info.Mode().Perm()&0o077 != 0 {
			return fmt.Errorf("%w: %s %s is accessible to group or others (mode %v)",
				errors.ErrInvalidConfig, f.field, f.path, info.Mode().Perm())
		}
	}
	return nil
}
