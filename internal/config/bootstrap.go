package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

// Bootstrap seeds the document store on first run: the super-admin account,
// the built-in roles, the reserved ALL group and permissive security
// settings. Existing documents are never overwritten.
func Bootstrap(ctx context.Context, st store.Store, adminPassword string) error {
	if _, err := st.FindOne(ctx, store.CollUsers, store.Filter{"username": gateway.SuperAdmin}); errors.Is(err, gateway.ErrNotFound) {
		if adminPassword == "" {
			adminPassword = GenerateAdminPassword()
			slog.Warn("generated bootstrap admin password", "password", adminPassword)
		}
		admin := &gateway.User{
			Username:  gateway.SuperAdmin,
			Role:      "admin",
			Groups:    []string{gateway.GroupAll},
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		doc, err := store.Encode(admin)
		if err != nil {
			return err
		}
		doc["password_hash"] = gateway.HashPassword(adminPassword)
		if err := st.InsertOne(ctx, store.CollUsers, doc); err != nil {
			return err
		}
		slog.Info("bootstrapped super-admin account")
	} else if err != nil {
		return err
	}

	for _, role := range builtinRoles() {
		if _, err := st.FindOne(ctx, store.CollRoles, store.Filter{"role_name": role.Name}); err == nil {
			continue
		} else if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		doc, err := store.Encode(role)
		if err != nil {
			return err
		}
		if err := st.InsertOne(ctx, store.CollRoles, doc); err != nil {
			return err
		}
		slog.Info("bootstrapped role", "name", role.Name)
	}

	if _, err := st.FindOne(ctx, store.CollGroups, store.Filter{"group_name": gateway.GroupAll}); errors.Is(err, gateway.ErrNotFound) {
		doc, err := store.Encode(&gateway.Group{Name: gateway.GroupAll})
		if err != nil {
			return err
		}
		if err := st.InsertOne(ctx, store.CollGroups, doc); err != nil {
			return err
		}
		slog.Info("bootstrapped group", "name", gateway.GroupAll)
	} else if err != nil {
		return err
	}

	if _, err := st.FindOne(ctx, store.CollSecuritySettings, store.Filter{}); errors.Is(err, gateway.ErrNotFound) {
		doc, err := store.Encode(&gateway.SecuritySettings{
			IPMode:          gateway.IPAllowAll,
			LocalhostBypass: true,
		})
		if err != nil {
			return err
		}
		if err := st.InsertOne(ctx, store.CollSecuritySettings, doc); err != nil {
			return err
		}
		slog.Info("bootstrapped security settings")
	} else if err != nil {
		return err
	}

	return nil
}

// builtinRoles returns the seeded role set: admin with every capability and
// a default role with none.
func builtinRoles() []*gateway.Role {
	all := make(map[string]bool, len(gateway.Capabilities))
	for _, c := range gateway.Capabilities {
		all[c] = true
	}
	return []*gateway.Role{
		{Name: "admin", Accesses: all},
		{Name: "default", Accesses: map[string]bool{}},
	}
}

// GenerateAdminPassword creates a random bootstrap password and returns the
// plaintext.
func GenerateAdminPassword() string {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}
