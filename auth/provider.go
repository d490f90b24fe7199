// Package auth supplies the token and member UUID sent with every pricing
// request.
package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/rxprice-collector/config"
	"github.com/aluiziolira/rxprice-collector/models"
)

// Environment variables read before falling back to the token command.
const (
	EnvToken      = "TOKEN"
	EnvMemberUUID = "MEMBERUUID"
)

// ErrIncomplete is returned when a source yields only part of an AuthContext.
var ErrIncomplete = errors.New("auth: token or member uuid missing")

// RunFunc executes the token command and returns its standard output.
type RunFunc func(ctx context.Context, command string) ([]byte, error)

// Provider hands out the current AuthContext and replaces it on refresh.
type Provider struct {
	command string
	timeout time.Duration
	run     RunFunc
	lookup  func(string) (string, bool)
	logger  *slog.Logger

	mu        sync.Mutex
	current   models.AuthContext
	refreshes int
}

// NewProvider builds a provider that reads the environment first and runs
// command when a value is missing or a refresh is requested.
func NewProvider(command string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		command: command,
		timeout: 2 * time.Minute,
		run:     runCommand,
		lookup:  config.EnvString,
		logger:  logger,
	}
}

// WithRunner replaces the command runner, used by tests.
func (p *Provider) WithRunner(run RunFunc) *Provider {
	p.run = run
	return p
}

// WithLookup replaces the environment lookup, used by tests.
func (p *Provider) WithLookup(lookup func(string) (string, bool)) *Provider {
	p.lookup = lookup
	return p
}

// Current returns the AuthContext, loading it on first use.
func (p *Provider) Current(ctx context.Context) (models.AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current.Valid() {
		return p.current, nil
	}

	var auth models.AuthContext
	if v, ok := p.lookup(EnvToken); ok {
		auth.Token = config.CleanSecret(v)
	}
	if v, ok := p.lookup(EnvMemberUUID); ok {
		auth.MemberUUID = config.CleanSecret(v)
	}
	if auth.Valid() {
		p.logger.Info("using token and member uuid from environment")
		p.current = auth
		return auth, nil
	}

	p.logger.Info("token not in environment, running token command", "command", p.command)
	fetched, err := p.fetch(ctx)
	if err != nil && !errors.Is(err, ErrIncomplete) {
		return models.AuthContext{}, err
	}
	if auth.Token == "" {
		auth.Token = fetched.Token
	}
	if auth.MemberUUID == "" {
		auth.MemberUUID = fetched.MemberUUID
	}
	if !auth.Valid() {
		return models.AuthContext{}, ErrIncomplete
	}
	p.current = auth
	return auth, nil
}

// Refresh always runs the token command. The previous AuthContext stays in
// place unless the command yields both values.
func (p *Provider) Refresh(ctx context.Context) (models.AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("refreshing token", "command", p.command)
	fetched, err := p.fetch(ctx)
	if err != nil {
		return models.AuthContext{}, err
	}
	p.current = fetched
	p.refreshes++
	return fetched, nil
}

// Refreshes counts successful refreshes.
func (p *Provider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *Provider) fetch(ctx context.Context) (models.AuthContext, error) {
	if p.command == "" {
		return models.AuthContext{}, fmt.Errorf("auth: no token command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, p.command)
	if err != nil {
		return models.AuthContext{}, fmt.Errorf("auth: run %s: %w", p.command, err)
	}
	auth := ParseOutput(out)
	if !auth.Valid() {
		return auth, fmt.Errorf("%w in output of %s", ErrIncomplete, p.command)
	}
	return auth, nil
}

// ParseOutput extracts TOKEN= and MEMBERUUID= lines. Surrounding quotes and
// an "export " prefix are tolerated.
func ParseOutput(out []byte) models.AuthContext {
	var auth models.AuthContext
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case EnvToken:
			auth.Token = config.CleanSecret(value)
		case EnvMemberUUID:
			auth.MemberUUID = config.CleanSecret(value)
		}
	}
	return auth
}

func runCommand(ctx context.Context, command string) ([]byte, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
