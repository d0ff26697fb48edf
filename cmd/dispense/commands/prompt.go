package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/term"
)

var (
	stdinOnce   sync.Once
	stdinReader *bufio.Reader
)

// promptPassword asks for the password of user on the terminal without echo.
// Piped input is read line by line.
func promptPassword(user string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)

	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	stdinOnce.Do(func() { stdinReader = bufio.NewReader(os.Stdin) })
	password, err := stdinReader.ReadString('\n')
	if err != nil && password == "" {
		return "", err
	}

	return strings.TrimRight(password, "\r\n"), nil
}
