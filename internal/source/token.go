package source

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// FileToken reads the token from a file on every request so an external
// login process can rotate it.
type FileToken struct {
	Path string
}

func (f FileToken) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", errors.New("token file is empty")
	}
	return tok, nil
}
