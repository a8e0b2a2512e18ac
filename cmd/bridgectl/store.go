package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// savedToken is one server's bearer token.
type savedToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenStore keeps tokens per server address in $XDG_CONFIG_HOME/bridgekeeper/tokens.json.
type tokenStore struct {
	path   string
	Tokens map[string]savedToken `json:"tokens"`
}

func cfgDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "bridgekeeper")
}

func tokenPath() string { return filepath.Join(cfgDir(), "tokens.json") }

// openStore reads the store; a missing file is an empty store.
func openStore() (*tokenStore, error) {
	s := &tokenStore{path: tokenPath(), Tokens: map[string]savedToken{}}
	b, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if s.Tokens == nil {
		s.Tokens = map[string]savedToken{}
	}
	return s, nil
}

// write replaces the file through a temp file so a crash never leaves half a store.
func (s *tokenStore) write() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// saveToken stores tok for addr, reading user and expiry from its claims.
func saveToken(addr, tok string) (savedToken, error) {
	sub, exp, err := tokenClaims(tok)
	if err != nil {
		return savedToken{}, fmt.Errorf("parse token: %w", err)
	}
	s, err := openStore()
	if err != nil {
		return savedToken{}, err
	}
	st := savedToken{Token: tok, UserID: sub, ExpiresAt: exp}
	s.Tokens[addr] = st
	return st, s.write()
}

// loadToken returns the unexpired token saved for addr.
func loadToken(addr string) (string, error) {
	s, err := openStore()
	if err != nil {
		return "", err
	}
	st, ok := s.Tokens[addr]
	if !ok || st.Token == "" {
		return "", fmt.Errorf("no token for %s (run `bridgectl login`)", addr)
	}
	if time.Now().After(st.ExpiresAt) {
		return "", fmt.Errorf("token for %s expired at %s", addr, st.ExpiresAt.Format(time.RFC3339))
	}
	return st.Token, nil
}

// forgetToken drops addr's token; it reports whether one was saved.
func forgetToken(addr string) (bool, error) {
	s, err := openStore()
	if err != nil {
		return false, err
	}
	if _, ok := s.Tokens[addr]; !ok {
		return false, nil
	}
	delete(s.Tokens, addr)
	return true, s.write()
}

// servers lists saved addresses in order.
func (s *tokenStore) servers() []string {
	out := make([]string, 0, len(s.Tokens))
	for addr := range s.Tokens {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// tokenClaims reads sub and exp without verifying the signature; the server does that.
func tokenClaims(tok string) (string, time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return "", time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return claims.Subject, time.Now().Add(15 * time.Minute), nil
	}
	return claims.Subject, claims.ExpiresAt.Time, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func choose(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
