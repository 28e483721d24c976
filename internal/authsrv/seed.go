package authsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Seeding gives a fresh deployment its essential service clients without a
// manual bootstrap step. The file is applied only when the clients table is
// empty; after that, changes go through the admin CLI.

type seedFile struct {
	Roles   map[string][]string `json:"roles,omitempty"`
	Clients []seedClient        `json:"clients"`
}

type seedClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// SeedFromFile registers the roles and clients defined in the file at path.
// It is a no-op when path is empty or when clients already exist.
func (s *Service) SeedFromFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	n, err := s.store.CountClients(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("seed skipped, clients already registered", slog.Int64("clients", n))
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for role, scopes := range seed.Roles {
		if err := s.store.DefineRole(ctx, role, scopes); err != nil {
			return err
		}
	}
	for _, c := range seed.Clients {
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("seed file %s: client entry missing id or secret", path)
		}
		if err := s.RegisterClient(ctx, c.ClientID, c.ClientSecret, c.Scopes, c.Roles); err != nil {
			return err
		}
	}
	s.logger.Info("seeded clients",
		slog.Int("clients", len(seed.Clients)),
		slog.Int("roles", len(seed.Roles)),
	)
	return nil
}
