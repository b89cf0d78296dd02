// Command commitlint checks a commit message file against the Conventional
// Commits format. lefthook runs it from the commit-msg hook.
package main

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

var (
	types  = []string{"feat", "fix", "docs", "style", "refactor", "perf", "test", "build", "ci", "chore", "revert"}
	scopes = []string{"bridge", "inspector", "engine", "gojs", "ws", "client", "config", "logging", "cmd", "deps"}

	headerRe = regexp.MustCompile(`^([a-z]+)(\(([^)]+)\))?(!)?: (.+)$`)
)

// lint returns nil when the first non-comment line of msg is a valid header.
func lint(msg string) error {
	header := ""
	for _, line := range strings.Split(msg, "\n") {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		header = strings.TrimRight(line, "\r ")
		break
	}
	if header == "" {
		return fmt.Errorf("commit message is empty")
	}
	if strings.HasPrefix(header, "Merge ") {
		return nil
	}

	m := headerRe.FindStringSubmatch(header)
	if m == nil {
		return fmt.Errorf("header %q is not <type>(<scope>): <description>", header)
	}
	if !slices.Contains(types, m[1]) {
		return fmt.Errorf("unknown type %q", m[1])
	}
	if m[3] != "" && !slices.Contains(scopes, m[3]) {
		return fmt.Errorf("unknown scope %q", m[3])
	}
	if len(header) > 100 {
		return fmt.Errorf("header is %d characters long, keep it under 100", len(header))
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: commitlint <commit-msg-file>")
		os.Exit(2)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Printf("\033[1;31m✗ Error reading commit message: %v\033[0m\n", err)
		os.Exit(1)
	}

	if err := lint(string(data)); err != nil {
		fmt.Printf("\033[1;31m✗ %v\033[0m\n", err)
		fmt.Println("\033[1;33mFormat:\033[0m <type>(<scope>)[!]: <description>")
		fmt.Printf("\033[1;33mTypes:\033[0m  %s\n", strings.Join(types, ", "))
		fmt.Printf("\033[1;33mScopes:\033[0m %s\n", strings.Join(scopes, ", "))
		fmt.Println("\033[1;33mExamples:\033[0m")
		fmt.Println("  fix(bridge): release waiters when a session disconnects")
		fmt.Println("  feat(gojs)!: report exceptions thrown while paused")
		os.Exit(1)
	}
	fmt.Println("\033[1;32m✓ Commit message format looks good!\033[0m")
}
