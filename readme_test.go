package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEDocumentsEveryCommand(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	readmeText := string(content)

	if !strings.Contains(readmeText, "## Commands") {
		t.Error("README.md missing ## Commands section")
	}

	commands := []string{
		"forge init",
		"forge attach",
		"forge kill",
		"forge status",
		"forge monitor",
		"forge send",
		"forge logs",
	}
	for _, cmd := range commands {
		if !strings.Contains(readmeText, cmd) {
			t.Errorf("README.md missing documentation for %s", cmd)
		}
	}

	// The work-directory override must stay documented.
	if !strings.Contains(readmeText, "FORGE_WORK_DIR") {
		t.Error("README.md missing FORGE_WORK_DIR documentation")
	}
}
