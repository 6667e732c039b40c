// Package config resolves stacksync settings from built-in defaults, an
// optional YAML file, STACKSYNC_ environment variables and command-line flags.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to the upper-cased key to form its variable name.
	EnvPrefix = "STACKSYNC_"

	// EnvConfigFile names an explicit config file. The file must exist.
	EnvConfigFile = "STACKSYNC_CONFIG"

	// FileName is the optional config file looked up at the repository root.
	FileName = ".stacksync.yaml"
)

// Configuration keys, as used in the YAML file and in flag overrides.
const (
	KeyPlatform        = "platform"
	KeyRepository      = "repository"
	KeyRemote          = "remote"
	KeyTrunk           = "trunk"
	KeyBranchPrefix    = "branch_prefix"
	KeyRequireApproval = "require_approval"
	KeyMinApprovals    = "min_approvals"
	KeyRequireTestPlan = "require_test_plan"
	KeyGitHubToken     = "github_token"
	KeyGitHubBaseURL   = "github_base_url"
	KeyGitLabToken     = "gitlab_token"
	KeyGitLabBaseURL   = "gitlab_base_url"
	KeyDBPath          = "db_path"
	KeySecretKey       = "secret_key"
	KeyLogLevel        = "log_level"
)

// Keys lists every configuration key in display order.
var Keys = []string{
	KeyPlatform, KeyRepository, KeyRemote, KeyTrunk, KeyBranchPrefix,
	KeyRequireApproval, KeyMinApprovals, KeyRequireTestPlan,
	KeyGitHubToken, KeyGitHubBaseURL, KeyGitLabToken, KeyGitLabBaseURL,
	KeyDBPath, KeySecretKey, KeyLogLevel,
}

const defaultGitLabURL = "https://gitlab.com/api/v4"

var defaults = map[string]string{
	KeyRemote:          "origin",
	KeyTrunk:           "main",
	KeyBranchPrefix:    "stacksync/",
	KeyRequireApproval: "true",
	KeyMinApprovals:    "1",
	KeyRequireTestPlan: "true",
	KeyGitLabBaseURL:   defaultGitLabURL,
	KeyLogLevel:        "warn",
}

// Platform identifiers.
const (
	PlatformGitHub = "github"
	PlatformGitLab = "gitlab"
)

// ErrIncomplete is returned by Validate when a required setting is missing.
var ErrIncomplete = errors.New("incomplete configuration")

// Config holds the resolved configuration.
type Config struct {
	Platform        string
	Repository      string
	Remote          string
	Trunk           string
	BranchPrefix    string
	RequireApproval bool
	MinApprovals    int
	RequireTestPlan bool

	GitHubToken string
	// GitHubBaseURL is the REST endpoint of a GitHub Enterprise server; empty
	// means github.com.
	GitHubBaseURL string
	GitLabToken   string
	GitLabBaseURL string

	DBPath    string
	SecretKey []byte
	LogLevel  slog.Level

	// File is the config file that was read, if any.
	File    string
	sources map[string]Source
}

// Options locate the config file and carry flag overrides.
type Options struct {
	// RepoRoot is where FileName is looked up.
	RepoRoot string
	// GitDir is where the database lives unless db_path is set.
	GitDir string
	// Flags maps keys to values given on the command line.
	Flags map[string]string
}

// EnvVar returns the environment variable that sets key.
func EnvVar(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

// Load resolves the configuration. Priority, highest first: flags, env,
// config file, defaults. Values are checked for syntax here; whether the
// required ones are present is checked by Validate.
func Load(opts Options) (*Config, error) {
	values := make(map[string]string, len(Keys))
	sources := make(map[string]Source, len(Keys))
	for k, v := range defaults {
		values[k] = v
		sources[k] = SourceDefault
	}

	path, required := os.Getenv(EnvConfigFile), true
	if path == "" && opts.RepoRoot != "" {
		path, required = filepath.Join(opts.RepoRoot, FileName), false
	}
	var file string
	if path != "" {
		fromFile, err := readFile(path, required)
		if err != nil {
			return nil, err
		}
		if fromFile != nil {
			file = path
		}
		for k, v := range fromFile {
			values[k] = v
			sources[k] = SourceFile
		}
	}

	for _, k := range Keys {
		if v, ok := os.LookupEnv(EnvVar(k)); ok {
			values[k] = v
			sources[k] = SourceEnv
		}
	}

	for k, v := range opts.Flags {
		if !known(k) {
			return nil, fmt.Errorf("unknown configuration key %q", k)
		}
		values[k] = v
		sources[k] = SourceFlag
	}

	cfg := &Config{File: file, sources: sources}
	if err := cfg.decode(values, opts.GitDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile returns the key/value pairs of a YAML config file. A missing
// optional file yields nil.
func readFile(path string, required bool) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if !known(k) {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, k)
		}
		switch v := v.(type) {
		case nil:
			continue
		case string:
			out[k] = v
		case bool, int, float64:
			out[k] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		}
	}
	return out, nil
}

func known(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

func (c *Config) decode(values map[string]string, gitDir string) error {
	c.Platform = strings.ToLower(strings.TrimSpace(values[KeyPlatform]))
	switch c.Platform {
	case "", PlatformGitHub, PlatformGitLab:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", c.origin(KeyPlatform), PlatformGitHub, PlatformGitLab, c.Platform)
	}

	c.Repository = strings.Trim(strings.TrimSpace(values[KeyRepository]), "/")
	if c.Repository != "" && !validRepository(c.Repository) {
		return fmt.Errorf("%s must be owner/name, got %q", c.origin(KeyRepository), c.Repository)
	}

	c.Remote = values[KeyRemote]
	c.Trunk = values[KeyTrunk]
	c.BranchPrefix = values[KeyBranchPrefix]
	for _, k := range []string{KeyRemote, KeyTrunk} {
		if strings.TrimSpace(values[k]) == "" {
			return fmt.Errorf("%s must not be empty", c.origin(k))
		}
	}

	var err error
	if c.RequireApproval, err = c.parseBool(values, KeyRequireApproval); err != nil {
		return err
	}
	if c.RequireTestPlan, err = c.parseBool(values, KeyRequireTestPlan); err != nil {
		return err
	}
	c.MinApprovals, err = strconv.Atoi(values[KeyMinApprovals])
	if err != nil || c.MinApprovals < 0 {
		return fmt.Errorf("%s must be a non-negative integer, got %q", c.origin(KeyMinApprovals), values[KeyMinApprovals])
	}

	c.GitHubToken = values[KeyGitHubToken]
	c.GitHubBaseURL = values[KeyGitHubBaseURL]
	c.GitLabToken = values[KeyGitLabToken]
	c.GitLabBaseURL = values[KeyGitLabBaseURL]

	c.DBPath = values[KeyDBPath]
	if c.DBPath == "" && gitDir != "" {
		c.DBPath = filepath.Join(gitDir, "stacksync.db")
	}

	if v := values[KeySecretKey]; v != "" {
		if c.SecretKey, err = decodeKey(v); err != nil {
			return fmt.Errorf("%s %w", c.origin(KeySecretKey), err)
		}
	}

	if err := c.LogLevel.UnmarshalText([]byte(values[KeyLogLevel])); err != nil {
		return fmt.Errorf("%s must be debug, info, warn or error, got %q", c.origin(KeyLogLevel), values[KeyLogLevel])
	}
	return nil
}

func (c *Config) parseBool(values map[string]string, key string) (bool, error) {
	b, err := strconv.ParseBool(values[key])
	if err != nil {
		return false, fmt.Errorf("%s must be true or false, got %q", c.origin(key), values[key])
	}
	return b, nil
}

// decodeKey accepts a 32-byte key as 64 hex characters or as base64.
func decodeKey(v string) ([]byte, error) {
	if key, err := hex.DecodeString(v); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(v); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, errors.New("must be 32 bytes encoded as 64 hex characters or base64")
}

func validRepository(repo string) bool {
	parts := strings.Split(repo, "/")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t") {
			return false
		}
	}
	return true
}

// Source reports where the value of key came from.
func (c *Config) Source(key string) Source {
	if s, ok := c.sources[key]; ok {
		return s
	}
	return SourceUnset
}

// origin names the place a user would go to change key.
func (c *Config) origin(key string) string {
	switch c.Source(key) {
	case SourceEnv:
		return EnvVar(key)
	case SourceFlag:
		return "--" + strings.ReplaceAll(key, "_", "-")
	case SourceFile:
		return fmt.Sprintf("%s in %s", key, c.File)
	default:
		return key
	}
}

func (c *Config) set(key string, src Source) {
	if c.sources == nil {
		c.sources = make(map[string]Source)
	}
	c.sources[key] = src
}

// Token returns the API token of the selected platform.
func (c *Config) Token() string {
	if c.Platform == PlatformGitLab {
		return c.GitLabToken
	}
	return c.GitHubToken
}

// SetToken replaces the token of the selected platform, e.g. with a stored
// credential.
func (c *Config) SetToken(token string, src Source) {
	if c.Platform == PlatformGitLab {
		c.GitLabToken = token
		c.set(KeyGitLabToken, src)
		return
	}
	c.GitHubToken = token
	c.set(KeyGitHubToken, src)
}

// TokenSource reports where the token of the selected platform came from.
func (c *Config) TokenSource() Source {
	if c.Platform == PlatformGitLab {
		return c.Source(KeyGitLabToken)
	}
	return c.Source(KeyGitHubToken)
}

// InferFromRemote fills platform, repository and a self-hosted API endpoint
// from the remote URL when they were not configured explicitly.
func (c *Config) InferFromRemote(remoteURL string) {
	host, path, ok := ParseRemoteURL(remoteURL)
	if !ok {
		return
	}
	if c.Platform == "" {
		switch {
		case strings.Contains(host, "gitlab"):
			c.Platform = PlatformGitLab
		case strings.Contains(host, "github"):
			c.Platform = PlatformGitHub
		default:
			return
		}
		c.set(KeyPlatform, SourceRemote)
	}
	if c.Repository == "" {
		c.Repository = path
		c.set(KeyRepository, SourceRemote)
	}

	switch c.Platform {
	case PlatformGitHub:
		if host != "github.com" && c.GitHubBaseURL == "" {
			c.GitHubBaseURL = "https://" + host + "/api/v3/"
			c.set(KeyGitHubBaseURL, SourceRemote)
		}
	case PlatformGitLab:
		if host != "gitlab.com" && c.Source(KeyGitLabBaseURL) == SourceDefault {
			c.GitLabBaseURL = "https://" + host + "/api/v4"
			c.set(KeyGitLabBaseURL, SourceRemote)
		}
	}
}

// Validate checks that the platform and repository are known.
func (c *Config) Validate() error {
	if c.Platform == "" {
		return fmt.Errorf("%w: platform could not be inferred from the remote; set %s", ErrIncomplete, EnvVar(KeyPlatform))
	}
	if c.Repository == "" {
		return fmt.Errorf("%w: repository could not be inferred from the remote; set %s", ErrIncomplete, EnvVar(KeyRepository))
	}
	return nil
}

// ParseRemoteURL extracts the host and the repository path from a git remote
// URL in scp, ssh or http form. Local paths are rejected.
func ParseRemoteURL(remoteURL string) (host, path string, ok bool) {
	remoteURL = strings.TrimSpace(remoteURL)
	if scheme, rest, found := strings.Cut(remoteURL, "://"); found {
		if scheme == "file" {
			return "", "", false
		}
		hostPart, p, _ := strings.Cut(rest, "/")
		if i := strings.LastIndex(hostPart, "@"); i >= 0 {
			hostPart = hostPart[i+1:]
		}
		host, path = hostPart, p
		if h, _, found := strings.Cut(host, ":"); found {
			host = h
		}
	} else {
		hostPart, p, found := strings.Cut(remoteURL, ":")
		if !found || strings.Contains(hostPart, "/") {
			return "", "", false
		}
		if i := strings.LastIndex(hostPart, "@"); i >= 0 {
			hostPart = hostPart[i+1:]
		}
		host, path = hostPart, p
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if host == "" || !validRepository(path) {
		return "", "", false
	}
	return strings.ToLower(host), path, true
}
