package ptyworker

import (
	"bufio"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// ResolveShell finds the login shell to run in a freshly spawned pane:
// $SHELL if it points at a real file, else the user's /etc/passwd entry,
// else the first of a conservative fallback list.
func ResolveShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
		log.Printf("ptyworker: $SHELL points to missing file %q", shell)
	}

	if shell := resolveShellFromPasswd(); shell != "" {
		return shell
	}

	for _, shell := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			log.Printf("ptyworker: using fallback shell %s", filepath.Base(shell))
			return shell
		}
	}

	log.Printf("ptyworker: no suitable shell found, using /bin/sh")
	return "/bin/sh"
}

func resolveShellFromPasswd() string {
	currentUser, err := user.Current()
	if err != nil {
		return ""
	}

	passwdFile, err := os.Open("/etc/passwd")
	if err != nil {
		return ""
	}
	defer passwdFile.Close()

	scanner := bufio.NewScanner(passwdFile)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[0] != currentUser.Username {
			continue
		}
		shell := fields[6]
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return ""
}

// shellEnv builds the environment a freshly spawned pane's shell runs
// under: the parent environment plus the terminal capability variables
// the emulator's subset actually supports, and the pane's own COLUMNS/
// LINES so shell init scripts that read them at startup see the right
// geometry immediately instead of waiting for the first SIGWINCH.
func shellEnv(cols, rows int) []string {
	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"COLUMNS="+strconv.Itoa(cols),
		"LINES="+strconv.Itoa(rows),
	)
	return env
}
