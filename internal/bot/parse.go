package bot

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ParseURLArg extracts and validates an http(s) URL from command arguments.
func ParseURLArg(args string) (string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", fmt.Errorf("URL is required")
	}
	raw := strings.Fields(s)[0]

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q", raw)
	}
	return raw, nil
}

// ParseUsernameArg extracts a GitHub username from command arguments.
func ParseUsernameArg(args string) (string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", fmt.Errorf("username is required")
	}
	return strings.Fields(s)[0], nil
}

// ParseGithubAddArgs extracts a username and API token.
func ParseGithubAddArgs(args string) (string, string, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("usage: /github_add <username> <token>")
	}
	return parts[0], parts[1], nil
}

// ParseRemindArgs extracts a delay and the reminder message.
// Format: <duration> <message...>, e.g. "2h30m stand-up".
func ParseRemindArgs(args string) (time.Duration, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("usage: /remind <duration> <message>, e.g. /remind 45m stand-up")
	}

	delay, err := time.ParseDuration(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid duration %q, use forms like 30s, 45m, 2h30m", parts[0])
	}
	if delay <= 0 || delay > 365*24*time.Hour {
		return 0, "", fmt.Errorf("duration must be positive and at most a year")
	}

	message := strings.TrimSpace(parts[1])
	if message == "" {
		return 0, "", fmt.Errorf("reminder message cannot be empty")
	}
	return delay, message, nil
}
