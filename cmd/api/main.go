package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crudcore.org/internal/audit"
	"crudcore.org/internal/auth"
	"crudcore.org/internal/httpapi"
	"crudcore.org/internal/model"
	"crudcore.org/internal/obs"
	"crudcore.org/internal/repo"
	"crudcore.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CRUDCORE_COMMIT"))

	dsn := os.Getenv("CRUDCORE_PG_DSN")
	if dsn == "" {
		log.Fatal("CRUDCORE_PG_DSN is required")
	}
	secret := os.Getenv("CRUDCORE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("CRUDCORE_AUTH_SECRET is required")
	}
	addr := os.Getenv("CRUDCORE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	cacheTTL := envDuration("CRUDCORE_AUTH_CACHE_TTL", 5*time.Minute)
	tokenTTL := envDuration("CRUDCORE_AUTH_TOKEN_TTL", 15*time.Minute)

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	tokens, err := auth.NewTokenService(secret)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	resolver, err := auth.NewResolver(tokens, store, cacheTTL)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Probe:     httpapi.ReadyProbe{DB: store.DB()},
		Version:   version,
		Resolver:  resolver,
		Tokens:    tokens,
		Directory: store,
		TokenTTL:  tokenTTL,
	})

	rec := audit.NewRecorder()
	if err := mountResources(api, store, rec); err != nil {
		log.Fatalf("mount resources: %v", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting crudcore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func mountResources(api *httpapi.API, store *pg.Store, rec *audit.Recorder) error {
	users, err := repo.New(store.DB(), model.UserSchema(), rec)
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}
	httpapi.Mount(api, httpapi.Resource[model.User]{
		Name:    "users",
		Store:   users,
		Prepare: hashPasswordField,
	})

	permissions, err := repo.New(store.DB(), model.PermissionSchema(), rec)
	if err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	httpapi.Mount(api, httpapi.Resource[model.Permission]{
		Name:  "permissions",
		Store: permissions,
	})

	roles, err := repo.New(store.DB(), model.RoleSchema(), rec)
	if err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	httpapi.Mount(api, httpapi.Resource[model.Role]{
		Name:  "roles",
		Store: roles,
	})

	groups, err := repo.New(store.DB(), model.GroupSchema(), rec)
	if err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	httpapi.Mount(api, httpapi.Resource[model.Group]{
		Name:  "groups",
		Store: groups,
	})
	return nil
}

// hashPasswordField replaces a plaintext password in a write payload with
// its bcrypt hash before the payload reaches storage.
func hashPasswordField(data map[string]any) error {
	raw, ok := data["password"]
	if !ok {
		return nil
	}
	plain, ok := raw.(string)
	if !ok || plain == "" {
		return errors.New("password must be a non-empty string")
	}
	hash, err := auth.HashPassword(plain)
	if err != nil {
		return err
	}
	data["password"] = hash
	return nil
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return d
}
