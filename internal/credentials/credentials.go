// Package credentials resolves the database user and password used by the
// ledger query and passed to the load executable.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// DefaultPasswordFile is relative to the invoking user's home directory.
const DefaultPasswordFile = ".ssh/mysql_root"

// RootUser is the account a password file grants access to.
const RootUser = "root"

// Source records where a password came from.
type Source string

const (
	SourceNone   Source = "none"
	SourcePrompt Source = "prompt"
	SourceConfig Source = "config"
	SourceFile   Source = "file"
)

// Credentials are the resolved user and password. Password may be empty.
type Credentials struct {
	User     string
	Password string
	Source   Source
}

// String never reveals the password.
func (c Credentials) String() string {
	return fmt.Sprintf("user=%s password_source=%s", c.User, c.Source)
}

// Request carries every candidate input.
type Request struct {
	// FlagUser is --user.
	FlagUser string
	// ConfigUser is ledger.user.
	ConfigUser string
	// Prompt asks interactively (--password).
	Prompt bool
	// ConfigPassword is ledger.password after env interpolation.
	ConfigPassword string
	// PasswordFile overrides DefaultPasswordFile. Relative paths are
	// resolved against the home directory.
	PasswordFile string
}

// Prompter reads a password without echo.
type Prompter interface {
	ReadPassword(prompt string) (string, error)
}

// Resolver resolves credentials. Zero value fields fall back to the OS.
type Resolver struct {
	Prompter Prompter
	HomeDir  func() (string, error)
	Username func() (string, error)
}

// NewResolver returns a Resolver that prompts on the controlling terminal.
func NewResolver() *Resolver {
	return &Resolver{
		Prompter: TerminalPrompter{In: os.Stdin, Out: os.Stderr},
		HomeDir:  os.UserHomeDir,
		Username: currentUsername,
	}
}

// Resolve picks the user (flag, then config, then OS user) and the password
// (prompt, then config value, then the first line of the password file). A
// password read from the file belongs to the root account, so the user
// switches to root unless one was named explicitly. A missing file is not
// an error: the result simply has no password.
func (r *Resolver) Resolve(req Request) (Credentials, error) {
	explicitUser := req.FlagUser
	if explicitUser == "" {
		explicitUser = req.ConfigUser
	}
	creds := Credentials{User: explicitUser, Source: SourceNone}
	if creds.User == "" {
		name, err := r.username()
		if err != nil {
			return Credentials{}, fmt.Errorf("determine current user: %w", err)
		}
		creds.User = name
	}

	switch {
	case req.Prompt:
		if r.Prompter == nil {
			return Credentials{}, fmt.Errorf("password prompt requested but no terminal is available")
		}
		pwd, err := r.Prompter.ReadPassword(fmt.Sprintf("Enter %s's MySQL password: ", creds.User))
		if err != nil {
			return Credentials{}, fmt.Errorf("read password: %w", err)
		}
		creds.Password = pwd
		creds.Source = SourcePrompt
	case req.ConfigPassword != "":
		creds.Password = req.ConfigPassword
		creds.Source = SourceConfig
	default:
		path, err := r.passwordFilePath(req.PasswordFile)
		if err != nil {
			return creds, nil
		}
		pwd, err := readFirstLine(path)
		if errors.Is(err, os.ErrNotExist) {
			return creds, nil
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("read password file %s: %w", path, err)
		}
		creds.Password = pwd
		creds.Source = SourceFile
		if explicitUser == "" {
			creds.User = RootUser
		}
	}
	return creds, nil
}

func (r *Resolver) username() (string, error) {
	if r.Username != nil {
		return r.Username()
	}
	return currentUsername()
}

func (r *Resolver) passwordFilePath(p string) (string, error) {
	if p == "" {
		p = DefaultPasswordFile
	}
	if strings.HasPrefix(p, "~/") {
		p = p[2:]
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	home := os.UserHomeDir
	if r.HomeDir != nil {
		home = r.HomeDir
	}
	dir, err := home()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func currentUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("cannot determine user name")
}

// TerminalPrompter reads from a terminal file descriptor with echo off.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

func (p TerminalPrompter) ReadPassword(prompt string) (string, error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	_, _ = fmt.Fprint(p.Out, prompt)
	b, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(p.Out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
