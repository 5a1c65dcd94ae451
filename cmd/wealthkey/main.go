// Command wealthkey provisions users and client credentials for a
// wealthpanel instance: it creates users with a fresh key hierarchy, mints
// API tokens and derives the X-KEK header value from a password.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	sqliteadapter "github.com/ericfisherdev/wealthpanel/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/wealthpanel/internal/adapter/driving/http"
	"github.com/ericfisherdev/wealthpanel/internal/config"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

const usage = `usage: wealthkey <command> [flags]

commands:
  adduser   create a user with a new key hierarchy
  token     mint an API token for a user
  kek       derive the X-KEK header value for a user
  migrate   print a /api/v1/keys/migrate body for a legacy user
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch args[0] {
	case "adduser":
		return addUser(ctx, cfg, args[1:])
	case "token":
		return mintToken(cfg, args[1:])
	case "kek":
		return printKEK(ctx, cfg, args[1:])
	case "migrate":
		return printMigration(args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func addUser(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	username := fs.String("username", "", "username (required)")
	currency := fs.String("currency", "EUR", "base currency")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("-username is required")
	}

	password, err := promptNewPassword()
	if err != nil {
		return err
	}
	keys, kek, err := newKeyMaterial(password)
	if err != nil {
		return err
	}
	defer vault.Wipe(kek)

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	users := sqliteadapter.NewUserRepo(db)
	id, err := users.Create(ctx, model.User{Username: *username, BaseCurrency: strings.ToUpper(*currency)})
	if err != nil {
		return err
	}
	if err := users.UpdateKeyMaterial(ctx, id, keys); err != nil {
		return err
	}

	token, err := httphandler.IssueToken(id, []byte(cfg.JWTSecret), *ttl)
	if err != nil {
		return err
	}
	fmt.Printf("user_id: %d\ntoken: %s\nkek: %s\n", id, token, base64.StdEncoding.EncodeToString(kek))
	return nil
}

func mintToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user id (required)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("-user is required")
	}

	token, err := httphandler.IssueToken(*userID, []byte(cfg.JWTSecret), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printKEK(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("kek", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("-user is required")
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	user, err := sqliteadapter.NewUserRepo(db).Get(ctx, *userID)
	if err != nil {
		return err
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	kek, err := unlock(user.Keys, password)
	if err != nil {
		return err
	}
	defer vault.Wipe(kek)

	fmt.Println(base64.StdEncoding.EncodeToString(kek))
	return nil
}

// printMigration derives fresh key material for a user still on the legacy
// scheme and prints the request body plus the KEK to send with it.
func printMigration(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	password, err := promptNewPassword()
	if err != nil {
		return err
	}
	keys, kek, err := newKeyMaterial(password)
	if err != nil {
		return err
	}
	defer vault.Wipe(kek)

	body, err := json.MarshalIndent(httphandler.MigrateRequest{
		KEKSalt:  keys.KEKSalt,
		AuthSalt: keys.AuthSalt,
		AuthHash: keys.AuthHash,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\nX-KEK: %s\n", body, base64.StdEncoding.EncodeToString(kek))
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sqliteadapter.DB, error) {
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func promptNewPassword() (string, error) {
	password, err := promptPassword("New password: ")
	if err != nil {
		return "", err
	}
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		confirm, err := promptPassword("Repeat password: ")
		if err != nil {
			return "", err
		}
		if confirm != password {
			return "", errors.New("passwords do not match")
		}
	}
	return password, nil
}

// promptPassword reads without echo from a terminal, or one line from a pipe.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
