// The monitor binary tails the coordinator's JSON logs and prints a
// colorized task lifecycle stream: submissions, assignments, reclaims,
// expiries and resolutions.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "Coordinator Activity Monitor" + colorReset)
	fmt.Println(colorGray + "Streaming task lifecycle events..." + colorReset)
	fmt.Println("--------------------------------------------------------------")

	// Default to docker compose logs; any command producing zap JSON
	// lines on stdout works, including plain `tail -f`.
	args := []string{"compose", "logs", "-f", "--no-log-prefix", "coordinator"}
	if len(os.Args) > 1 {
		args = os.Args[1:]
	}

	cmd := exec.Command("docker", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting log command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Tolerate prefixed compose output: find the JSON payload
		if idx := strings.Index(line, "{"); idx > 0 {
			line = line[idx:]
		}

		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		prettify(entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Log command exited: %v\n", err)
	}
}

func prettify(entry LogEntry) {
	short := entry.TaskID
	if len(short) > 8 {
		short = short[:8]
	}

	switch {
	case strings.Contains(entry.Msg, "Task submitted"):
		fmt.Printf("%s+ Submitted:%s  %s\n", colorGray, colorReset, short)
	case strings.Contains(entry.Msg, "Assigned task"):
		fmt.Printf("%s> Assigned:%s   %s -> %s\n", colorBlue, colorReset, short, entry.AgentID)
	case strings.Contains(entry.Msg, "Reclaimed task"):
		fmt.Printf("%s~ Reclaimed:%s  %s\n", colorYellow, colorReset, short)
	case strings.Contains(entry.Msg, "Task expired"):
		fmt.Printf("%sx Expired:%s    %s\n", colorRed, colorReset, short)
	case strings.Contains(entry.Msg, "Task resolved"):
		color := colorGreen
		mark := "v"
		if entry.Status == "FAILED" {
			color = colorRed
			mark = "x"
		}
		fmt.Printf("%s%s Resolved:%s   %s (%s)\n", color, mark, colorReset, short, entry.Status)
	case strings.Contains(entry.Msg, "Agent registered"):
		fmt.Printf("%s* Agent up:%s   %s\n", colorGreen, colorReset, entry.AgentID)
	case strings.Contains(entry.Msg, "Agent liveness expired") || strings.Contains(entry.Msg, "Agent deregistered"):
		fmt.Printf("%s* Agent down:%s %s\n", colorYellow, colorReset, entry.AgentID)
	case entry.Level == "error":
		fmt.Printf("%s! ERROR:%s %s\n", colorRed, colorReset, entry.Msg)
	}
}
