package main

import (
	"context"
	"fmt"

	"drivault/internal/blobstore"
	"drivault/internal/config"
	"drivault/internal/models"
	"drivault/internal/provider"
	"drivault/internal/secrets"
	"drivault/internal/store"
)

// withStore opens the index database for the duration of fn.
func withStore(cfg *config.Config, fn func(st *store.Store) error) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open index at %s: %w", cfg.DBPath, err)
	}
	defer st.Close()
	return fn(st)
}

func openSecrets(cfg *config.Config) (*secrets.Store, error) {
	return secrets.Open(cfg.SecretsKeyPath, cfg.SecretsTokensPath)
}

func blobstoreFor(cfg *config.Config, account *models.Account) (*blobstore.AccountStore, error) {
	return blobstore.New(cfg.BackupRoot, string(account.Provider), account.ID)
}

// findAccount resolves an account by email, optionally narrowed by
// provider when one email is registered with several.
func findAccount(ctx context.Context, st *store.Store, providerName, email string) (*models.Account, error) {
	if email == "" {
		return nil, fmt.Errorf("--account is required")
	}
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var matches []models.Account
	for _, account := range accounts {
		if account.Email != email {
			continue
		}
		if providerName != "" && string(account.Provider) != providerName {
			continue
		}
		matches = append(matches, account)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no account found for %s", email)
	case 1:
		account := matches[0]
		return &account, nil
	default:
		return nil, fmt.Errorf("%s is registered with multiple providers, use --provider", email)
	}
}

// providerClientFor builds the API client for an account from its
// stored tokens.
func providerClientFor(account *models.Account, tokens *secrets.Store) (provider.Client, error) {
	tokenSet, err := tokens.Get(account.SecretsKey())
	if err != nil {
		return nil, fmt.Errorf("no credentials for %s, run: drivault tokens set --account %s: %w",
			account.Email, account.Email, err)
	}
	switch account.Provider {
	case models.ProviderGoogleDrive:
		return provider.NewGoogleDriveClient(tokenSet.AccessToken), nil
	case models.ProviderOneDrive:
		return provider.NewOneDriveClient(tokenSet.AccessToken), nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", account.Provider)
	}
}
