package store

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

const (
	defaultFetchInterval = 5 * time.Minute

	commitAuthorName  = "gitopsd"
	commitAuthorEmail = "gitopsd@noreply"
)

// Git is a Store backed by an upstream git repository. A bare mirror is
// kept locally and fetched on an interval; commits are made in a
// short-lived working clone and pushed upstream. A rejected push (the
// upstream branch moved under us) surfaces as ErrStaleBase, which the
// caller resolves by retrying against the new head, matching git's own
// optimistic concurrency.
type Git struct {
	url    string
	branch string
	logger log.Logger

	mu     sync.Mutex
	mirror string // path of the bare mirror; empty until cloned
	head   Ref

	notify chan struct{}
}

func NewGit(url, branch string, logger log.Logger) *Git {
	return &Git{
		url:    url,
		branch: branch,
		logger: logger,
		notify: make(chan struct{}, 1), // 1 so a pending signal never blocks
	}
}

// Start keeps the local mirror fresh until stop is closed, signalling
// Notify whenever the upstream head moves. The first fetch happens
// immediately.
func (g *Git) Start(stop <-chan struct{}, wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	if interval <= 0 {
		interval = defaultFetchInterval
	}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if err := g.refresh(ctx); err != nil {
			g.logger.Log("err", err, "url", g.url)
		}
		cancel()
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (g *Git) Notify() <-chan struct{} {
	return g.notify
}

func (g *Git) Head(ctx context.Context) (Ref, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mirror == "" {
		if err := g.cloneMirror(ctx); err != nil {
			return "", err
		}
	}
	out, err := runGit(ctx, g.mirror, "rev-parse", g.branch)
	if err != nil {
		return "", err
	}
	return Ref(strings.TrimSpace(out)), nil
}

func (g *Git) Checkout(ctx context.Context, ref Ref) (Tree, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mirror == "" {
		if err := g.cloneMirror(ctx); err != nil {
			return nil, err
		}
	}
	// Verify the revision exists before handing out a tree on it.
	if _, err := runGit(ctx, g.mirror, "rev-parse", "--verify", string(ref)+"^{commit}"); err != nil {
		return nil, errors.Wrapf(err, "unknown revision %q", ref)
	}
	return &gitTree{mirror: g.mirror, ref: ref}, nil
}

func (g *Git) Commit(ctx context.Context, base Ref, message string, updates ...Update) (Ref, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mirror == "" {
		if err := g.cloneMirror(ctx); err != nil {
			return "", err
		}
	}

	working, err := ioutil.TempDir(os.TempDir(), "gitopsd-working")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(working)

	if _, err := runGit(ctx, "", "clone", "--branch", g.branch, g.mirror, working); err != nil {
		return "", errors.Wrap(err, "cloning working copy")
	}
	if _, err := runGit(ctx, working, "checkout", string(base)); err != nil {
		return "", errors.Wrapf(err, "checking out base %q", base)
	}

	for _, u := range updates {
		path := filepath.Join(working, u.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := ioutil.WriteFile(path, u.Data, 0o644); err != nil {
			return "", err
		}
		if _, err := runGit(ctx, working, "add", u.Path); err != nil {
			return "", err
		}
	}

	args := []string{
		"-c", "user.name=" + commitAuthorName,
		"-c", "user.email=" + commitAuthorEmail,
		"commit", "-m", message,
	}
	if _, err := runGit(ctx, working, args...); err != nil {
		return "", errors.Wrap(err, "committing updates")
	}

	// Push the new commit to the branch upstream. If someone else got
	// there first, git refuses the non-fast-forward and we report a
	// stale base; force-pushing would lose their commit.
	refspec := fmt.Sprintf("HEAD:refs/heads/%s", g.branch)
	if _, err := runGit(ctx, working, "push", g.url, refspec); err != nil {
		if strings.Contains(err.Error(), "non-fast-forward") ||
			strings.Contains(err.Error(), "fetch first") ||
			strings.Contains(err.Error(), "[rejected]") {
			return "", errors.Wrapf(ErrStaleBase, "base %q", base)
		}
		return "", errors.Wrap(err, "pushing commit")
	}

	out, err := runGit(ctx, working, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	newHead := Ref(strings.TrimSpace(out))

	// Bring the mirror up to date so subsequent reads see the commit.
	if _, err := runGit(ctx, g.mirror, "fetch", "origin"); err != nil {
		g.logger.Log("warning", "commit pushed but mirror fetch failed", "err", err)
	}
	g.head = newHead
	return newHead, nil
}

// refresh fetches the mirror and signals if the head moved.
func (g *Git) refresh(ctx context.Context) error {
	g.mu.Lock()
	if g.mirror == "" {
		if err := g.cloneMirror(ctx); err != nil {
			g.mu.Unlock()
			return err
		}
	}
	if _, err := runGit(ctx, g.mirror, "fetch", "--prune", "origin"); err != nil {
		g.mu.Unlock()
		return errors.Wrap(err, "fetching mirror")
	}
	out, err := runGit(ctx, g.mirror, "rev-parse", g.branch)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	newHead := Ref(strings.TrimSpace(out))
	moved := newHead != g.head
	g.head = newHead
	g.mu.Unlock()

	if moved {
		select {
		case g.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// cloneMirror makes the initial bare mirror clone. Callers hold g.mu.
func (g *Git) cloneMirror(ctx context.Context) error {
	dir, err := ioutil.TempDir(os.TempDir(), "gitopsd-mirror")
	if err != nil {
		return err
	}
	if _, err := runGit(ctx, "", "clone", "--mirror", g.url, dir); err != nil {
		os.RemoveAll(dir)
		return errors.Wrapf(err, "cloning %s", g.url)
	}
	g.mirror = dir
	return nil
}

type gitTree struct {
	mirror string
	ref    Ref
}

func (t *gitTree) Read(path string) ([]byte, error) {
	out, err := runGit(context.Background(), t.mirror, "show", fmt.Sprintf("%s:%s", t.ref, path))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "exists on disk, but not in") {
			return nil, errors.Wrap(ErrFileNotFound, path)
		}
		return nil, err
	}
	return []byte(out), nil
}

func (t *gitTree) Paths() ([]string, error) {
	out, err := runGit(context.Background(), t.mirror, "ls-tree", "-r", "--name-only", string(t.ref))
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}
