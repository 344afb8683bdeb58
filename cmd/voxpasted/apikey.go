package main

import (
	"context"
	"errors"
	"fmt"

	"voxpaste/internal/rewrite"
	"voxpaste/internal/secret"
	"voxpaste/internal/store"
)

// apiKeyLabel binds sealed rewrite keys to their setting.
const apiKeyLabel = store.SettingRewriteAPIKey

var errNoAPIKey = errors.New("no rewrite API key: run `voxpasted set-api-key` or set the configured environment variable")

type settingReader interface {
	Setting(ctx context.Context, key string) (string, bool, error)
}

// rewriteKey resolves the rewrite API key on every request: the sealed
// setting first, then env. Keys stored by set-api-key apply without a
// restart.
func rewriteKey(settings settingReader, box *secret.Box, env func() string) rewrite.KeyFunc {
	return func(ctx context.Context) (string, error) {
		v, ok, err := settings.Setting(ctx, store.SettingRewriteAPIKey)
		if err != nil {
			return "", fmt.Errorf("read API key: %w", err)
		}
		if ok && v != "" {
			if !secret.IsSealed(v) {
				return v, nil
			}
			key, err := box.Open(apiKeyLabel, v)
			if err != nil {
				return "", fmt.Errorf("open API key: %w", err)
			}
			return key, nil
		}
		if key := env(); key != "" {
			return key, nil
		}
		return "", errNoAPIKey
	}
}
