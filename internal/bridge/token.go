package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/drausal/b2-reverse-proxy/internal/backend"
)

// continuationToken is the opaque listing cursor handed to S3 clients. It
// wraps the backend's native resume name so a token round-trips exactly.
type continuationToken struct {
	Version  int    `json:"v"`
	NextName string `json:"next"`
}

func encodeContinuationToken(nextName string) string {
	raw, _ := json.Marshal(continuationToken{Version: 1, NextName: nextName})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeContinuationToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode continuation token: %w", backend.ErrInvalidContinuationToken)
	}
	var ct continuationToken
	if err := json.Unmarshal(raw, &ct); err != nil || ct.Version != 1 || ct.NextName == "" {
		return "", fmt.Errorf("parse continuation token: %w", backend.ErrInvalidContinuationToken)
	}
	return ct.NextName, nil
}
