package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Ed25519Credentials holds the API key pair for the Ed25519-signed venue.
type Ed25519Credentials struct {
	APIKeyB64     string
	SecretSeedB64 string
}

// NonceCredentials holds the API-key-scoped signing material for the
// nonce-managed venue.
type NonceCredentials struct {
	PrivateKeyHex string
	AccountIndex  int
	APIKeyIndex   int
}

// NotifierCredentials holds the optional Telegram notifier token/chat.
type NotifierCredentials struct {
	BotToken string
	ChatID   string
}

// Credentials is the parsed contents of a credentials file. Any section may
// be nil if its lines were absent from the file.
type Credentials struct {
	Ed25519  *Ed25519Credentials
	Nonce    *NonceCredentials
	Notifier *NotifierCredentials
}

// LoadCredentials parses a line-oriented credentials file. Three shapes are
// recognized, mixed freely in the same file:
//
//	Api Key: <base64_pub>        (Ed25519 venue, case-insensitive prefix)
//	API Secret: <base64_priv>
//	api_key_private_key: <hex>   (nonce venue, key/value pairs separated by ':')
//	account_index: <int>
//	api_key_index: <int>
//	bot_token: <token>           (optional notifier)
//	chat_id: <id>
//
// Unrecognized lines and blank lines are ignored.
func LoadCredentials(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	creds := &Credentials{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if val == "" {
			continue
		}

		switch strings.ToLower(key) {
		case "api key":
			if creds.Ed25519 == nil {
				creds.Ed25519 = &Ed25519Credentials{}
			}
			creds.Ed25519.APIKeyB64 = val
		case "api secret":
			if creds.Ed25519 == nil {
				creds.Ed25519 = &Ed25519Credentials{}
			}
			creds.Ed25519.SecretSeedB64 = val
		case "api_key_private_key":
			if creds.Nonce == nil {
				creds.Nonce = &NonceCredentials{}
			}
			creds.Nonce.PrivateKeyHex = val
		case "account_index":
			if creds.Nonce == nil {
				creds.Nonce = &NonceCredentials{}
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("account_index: %w", err)
			}
			creds.Nonce.AccountIndex = n
		case "api_key_index":
			if creds.Nonce == nil {
				creds.Nonce = &NonceCredentials{}
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("api_key_index: %w", err)
			}
			creds.Nonce.APIKeyIndex = n
		case "bot_token":
			if creds.Notifier == nil {
				creds.Notifier = &NotifierCredentials{}
			}
			creds.Notifier.BotToken = val
		case "chat_id":
			if creds.Notifier == nil {
				creds.Notifier = &NotifierCredentials{}
			}
			creds.Notifier.ChatID = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	return creds, nil
}
