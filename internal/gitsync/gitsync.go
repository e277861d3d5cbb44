// Package gitsync keeps a local working copy for each configured git
// reference. It does no threadpooling of its own, concurrency is the
// caller's business. The Synchronizer is not thread-safe.
package gitsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	gohttp "net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/metrics"
)

// stateFile records the git configuration a clone was made with, so we can
// tell whether an existing checkout can be reused or has to be wiped.
// NB: it must not look like a source file, the staging layer copies the
// whole tree.
const stateFile = "packlane-gitstate"

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

type Synchronizer struct {
	path       string
	config     config.Git
	sourceName string
}

// New creates a new Synchronizer instance. The synchronizer does not validate
// that the path holds the same repository as the config, so the caller must
// guarantee that the path is unique per repository and not shared between
// Synchronizer instances. If the path does not exist, it is created.
func New(path string, config config.Git, sourceName string) *Synchronizer {
	return &Synchronizer{path: path, config: config, sourceName: sourceName}
}

// Execute synchronizes the configured Git repository. A missing repository is
// cloned; an existing one is fetched and force-checked-out to the configured
// reference or commit.
func (s *Synchronizer) Execute(ctx context.Context) error {
	startTime := time.Now()

	fetched, err := s.execute(ctx)
	if err != nil {
		metrics.GitSyncFailed.WithLabelValues(s.sourceName).Inc()
		return fmt.Errorf("source %q: git synchronizer: %v: %w", s.sourceName, s.config.Repo, err)
	}
	if fetched {
		metrics.GitSyncCount.Inc()
		metrics.GitSyncDuration.WithLabelValues(s.sourceName, s.config.Repo).Observe(time.Since(startTime).Seconds())
		metrics.LastGitSyncStart.WithLabelValues(s.sourceName, s.config.Repo).Set(float64(startTime.Unix()))
		metrics.LastGitSyncEnd.WithLabelValues(s.sourceName, s.config.Repo).Set(float64(time.Now().Unix()))
	}
	return nil
}

func (s *Synchronizer) execute(ctx context.Context) (bool, error) {
	var fetched bool
	if s.config.Commit == nil && s.config.Reference == nil {
		return false, errors.New("either reference or commit must be set in git configuration")
	}

	var referenceName plumbing.ReferenceName
	if s.config.Reference != nil {
		referenceName = plumbing.ReferenceName(*s.config.Reference)
	}

	// A configuration change may force wiping an earlier clone: re-cloning is
	// the easiest option if the repository URL changed. For simplicity, do the
	// same on any config change EXCEPT credentials, since the recorded state
	// only has the secret names, not their values.

	if data, err := os.ReadFile(filepath.Join(s.path, ".git", stateFile)); err == nil {
		recorded := config.Git{
			Credentials: s.config.Credentials,
		}
		if err := json.Unmarshal(data, &recorded); err != nil || !recorded.Equal(&s.config) {
			if err := os.RemoveAll(s.path); err != nil {
				return false, err
			}
		}
	} else if !os.IsNotExist(err) {
		return false, err
	}

	var authMethod transport.AuthMethod

	repository, err := git.PlainOpen(s.path)
	if errors.Is(err, git.ErrRepositoryNotExists) { // does not exist? clone it
		authMethod, err = s.auth()
		if err != nil {
			return false, err
		}

		fetched = true
		repository, err = git.PlainCloneContext(ctx, s.path, false, &git.CloneOptions{
			URL:               s.config.Repo,
			Auth:              authMethod,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
			ReferenceName:     referenceName,
			SingleBranch:      true,
			NoCheckout:        true, // checked out below
		})
		if err != nil {
			return false, err
		}

		data, err := json.Marshal(s.config)
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(filepath.Join(s.path, ".git", stateFile), data, 0644); err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	w, err := repository.Worktree()
	if err != nil {
		return false, err
	}

	if s.config.Commit != nil {
		opts := &git.CheckoutOptions{
			Force: true,
			Hash:  plumbing.NewHash(*s.config.Commit),
		}
		if w.Checkout(opts) == nil { // success, nothing further to do
			return fetched, nil
		}
	}

	// We could not check out the pinned hash, or we track a branch or tag
	// reference. Either way, fetch and checkout.

	if authMethod == nil {
		authMethod, err = s.auth()
		if err != nil {
			return false, err
		}
	}

	remote := "origin"
	fetched = true
	if err := repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		Auth:       authMethod,
		Force:      true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/refs/heads/*", remote)),
			gitconfig.RefSpec(fmt.Sprintf("+refs/tags/*:refs/remotes/%s/refs/tags/*", remote)),
		},
	}); err != nil && err != git.NoErrAlreadyUpToDate {
		return false, err
	}

	opts := &git.CheckoutOptions{
		Force: true, // discard local changes
	}
	switch {
	case s.config.Reference != nil:
		ref := fmt.Sprintf("refs/remotes/%s/%s", remote, *s.config.Reference)
		opts.Branch = plumbing.ReferenceName(ref)
	case s.config.Commit != nil:
		opts.Hash = plumbing.NewHash(*s.config.Commit)
	}

	return fetched, w.Checkout(opts)
}

// Commit returns the hash of the currently checked-out commit, or the empty
// string if the working copy is missing.
func (s *Synchronizer) Commit() string {
	repository, err := git.PlainOpen(s.path)
	if err != nil {
		return ""
	}
	head, err := repository.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

func (s *Synchronizer) auth() (transport.AuthMethod, error) {
	if s.config.Credentials == nil {
		return nil, nil
	}

	typed, err := s.config.Credentials.Resolve()
	if err != nil {
		return nil, err
	}

	switch value := typed.(type) {
	case config.SecretBasicAuth:
		return &http.BasicAuth{
			Username: value.Username,
			Password: value.Password,
		}, nil

	case config.SecretTokenAuth:
		return &tokenAuth{token: value.Token}, nil

	case config.SecretSSHKey:
		return newSSHAuth(value.Key, value.Passphrase, value.Fingerprints)

	default:
		return nil, fmt.Errorf("unsupported authentication type for git: %T", value)
	}
}

func newSSHAuth(key string, passphrase string, fingerprints []string) (gitssh.AuthMethod, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(key))
	}
	if err != nil {
		return nil, err
	}

	if len(fingerprints) == 0 {
		return nil, errors.New("ssh: at least one fingerprint is required when using ssh_key authentication")
	}

	return &gitssh.PublicKeys{
		User:   "git",
		Signer: signer,
		HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
			HostKeyCallback: newCheckFingerprints(fingerprints),
		},
	}, nil
}

func newCheckFingerprints(fingerprints []string) ssh.HostKeyCallback {
	m := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		m[fp] = true
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if _, ok := m[fingerprint]; !ok {
			return fmt.Errorf("ssh: unknown fingerprint (%s) for %s", fingerprint, hostname)
		}
		return nil
	}
}

// tokenAuth provides HTTP bearer token authentication.
type tokenAuth struct {
	token string
}

func (a *tokenAuth) String() string {
	return a.Name() + " - token-based"
}

func (*tokenAuth) Name() string {
	return "http-bearer-token"
}

func (a *tokenAuth) SetAuth(r *gohttp.Request) {
	r.Header.Set("Authorization", "Bearer "+a.token)
}
