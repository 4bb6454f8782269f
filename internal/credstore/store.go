// Package credstore discovers and pre-validates credential blobs — the
// browser storage-state snapshots the gateway rebinds sessions to during
// rotation.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/llmgw/browser-gateway/internal/config"
)

var (
	// ErrNotFound is returned by Get for an index outside availableIndices.
	ErrNotFound = errors.New("credential not found")
	// ErrNoValidCredentials aborts startup when discovery finds nothing usable.
	ErrNoValidCredentials = errors.New("no valid credentials discovered")
)

var authFilePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)

// Credential is one discovered credential entry.
type Credential struct {
	Index       int
	Blob        json.RawMessage
	AccountName string // cached top-level "accountName" field, if present
}

// Store enumerates and pre-validates credentials from either environment
// variables (AUTH_JSON_<N>) or files (auth/auth-<N>.json). Once constructed
// it is immutable: rotation only ever walks AvailableIndices(), never
// re-runs discovery.
type Store struct {
	initialIndices   []int
	availableIndices []int
	credentials      map[int]Credential
	invalid          map[int]string // index -> decrypt or parse error, exposed via InvalidIndices
	secret           SecretProvider
}

// Discover enumerates credential sources per spec.md §4.1: env mode wins if
// any AUTH_JSON_<N> variable exists, otherwise the auth/ directory is
// listed. Startup fails only if zero credentials parse as valid JSON.
func Discover(authDir string, secret SecretProvider, log *logrus.Logger) (*Store, error) {
	if secret == nil {
		secret = NewNoOpSecretProvider()
	}

	envVars := config.AuthJSONEnvVars()

	var raw map[int]string
	if len(envVars) > 0 {
		raw = envVars
		log.Info("credential discovery: env mode (AUTH_JSON_<N>)")
	} else {
		var err error
		raw, err = discoverFiles(authDir)
		if err != nil {
			return nil, err
		}
		log.Infof("credential discovery: file mode (%s)", authDir)
	}

	s := &Store{
		credentials: make(map[int]Credential),
		invalid:     make(map[int]string),
		secret:      secret,
	}

	for idx, blobStr := range raw {
		s.initialIndices = append(s.initialIndices, idx)

		decrypted, err := secret.Decrypt(blobStr)
		if err != nil {
			s.invalid[idx] = fmt.Sprintf("decrypt failed: %v", err)
			log.Warnf("credential %d: %s", idx, s.invalid[idx])
			continue
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(decrypted), &parsed); err != nil {
			s.invalid[idx] = fmt.Sprintf("invalid JSON: %v", err)
			log.Warnf("credential %d: %s", idx, s.invalid[idx])
			continue
		}

		cred := Credential{
			Index: idx,
			Blob:  json.RawMessage(decrypted),
		}
		if name, ok := parsed["accountName"].(string); ok {
			cred.AccountName = name
		}

		s.credentials[idx] = cred
		s.availableIndices = append(s.availableIndices, idx)
	}

	sort.Ints(s.initialIndices)
	sort.Ints(s.availableIndices)

	if len(s.availableIndices) == 0 {
		return nil, ErrNoValidCredentials
	}

	return s, nil
}

func discoverFiles(authDir string) (map[int]string, error) {
	entries, err := os.ReadDir(authDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoValidCredentials
		}
		return nil, fmt.Errorf("reading auth dir: %w", err)
	}

	out := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := authFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(authDir, entry.Name()))
		if err != nil {
			continue
		}
		out[idx] = string(data)
	}
	return out, nil
}

// InitialIndices returns every index discovered, valid or not, ascending.
func (s *Store) InitialIndices() []int {
	return append([]int(nil), s.initialIndices...)
}

// AvailableIndices returns the subset that parsed as valid JSON, ascending.
func (s *Store) AvailableIndices() []int {
	return append([]int(nil), s.availableIndices...)
}

// InvalidIndices returns the discovered-but-unparseable indices and why.
func (s *Store) InvalidIndices() map[int]string {
	out := make(map[int]string, len(s.invalid))
	for k, v := range s.invalid {
		out[k] = v
	}
	return out
}

// Get returns the credential blob for a known-valid index.
func (s *Store) Get(index int) (Credential, error) {
	cred, ok := s.credentials[index]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// DisplayName returns the account name for an index, or a synthesized
// "credential-<N>" label when none was present in the blob.
func (s *Store) DisplayName(index int) string {
	if cred, ok := s.credentials[index]; ok && cred.AccountName != "" {
		return cred.AccountName
	}
	return fmt.Sprintf("credential-%d", index)
}
