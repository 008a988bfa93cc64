package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

var ErrGateDenied = errors.New("Incorrect password")

// PasswordGate sits in front of the editing commands. It is an opaque
// check against the configured password, not authentication.
type PasswordGate struct {
	password string
	// reads the attempt, prompts on the terminal by default
	readPassword func() (string, error)
}

func NewPasswordGate(password string) *PasswordGate {
	return &PasswordGate{
		password:     password,
		readPassword: readTerminalPassword,
	}
}

func readTerminalPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter password: ")
	if !term.IsTerminal(int(syscall.Stdin)) {
		// piped input, one line
		b, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
		if err != nil {
			return "", err
		}
		fmt.Fprint(os.Stderr, "\n")
		line, _, _ := strings.Cut(string(b), "\n")
		return strings.TrimRight(line, "\r"), nil
	}
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// Check passes when no password is configured
func (self *PasswordGate) Check() error {
	if self.password == "" {
		return nil
	}
	attempt, err := self.readPassword()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(attempt), []byte(self.password)) != 1 {
		return ErrGateDenied
	}
	return nil
}
