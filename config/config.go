package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         int
	UsersFile    string
	MessagesFile string
	WriteTimeout int // seconds
	MaxSessions  int
}

func Load() *Config {
	cfg := &Config{
		Port:         12345,
		UsersFile:    "All_Users.txt",
		MessagesFile: "All_Messages.txt",
		WriteTimeout: 30,
		MaxSessions:  1024,
	}

	if portStr := os.Getenv("TEAMCHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if path := os.Getenv("TEAMCHAT_USERS_FILE"); path != "" {
		cfg.UsersFile = path
	}

	if path := os.Getenv("TEAMCHAT_MESSAGES_FILE"); path != "" {
		cfg.MessagesFile = path
	}

	if timeoutStr := os.Getenv("TEAMCHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if maxStr := os.Getenv("TEAMCHAT_MAX_SESSIONS"); maxStr != "" {
		if max, err := strconv.Atoi(maxStr); err == nil {
			cfg.MaxSessions = max
		}
	}

	return cfg
}
