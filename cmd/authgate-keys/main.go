// Command authgate-keys manages the admin keys that servers present to
// POST /auth/login.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/authgate/internal/auth"
	"github.com/alexjbarnes/authgate/internal/config"
	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/models"
	"github.com/alexjbarnes/authgate/internal/state"
	"gopkg.in/yaml.v3"
)

const lockWait = time.Second

// keyStore is the part of the state database the CLI needs.
type keyStore interface {
	CreateAdminKey(k models.AdminKey) error
	AllAdminKeys() ([]models.AdminKey, error)
	DeleteAdminKey(id string) error
	DeleteAdminKeyByNickname(nickname string) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("missing command")
	}

	cfg, err := config.LoadKeyTool()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := cfg.DBPath
	if path == "" {
		path = state.DefaultPath()
	}

	s, err := openState(path, lockWait)
	if err != nil {
		return err
	}
	defer s.Close()

	return dispatch(args, s, out, time.Now)
}

// openState opens the key database without waiting long for the lock.
// bbolt allows one writer process, so a running gateway blocks the CLI.
func openState(path string, wait time.Duration) (*state.State, error) {
	s, err := state.LoadAtTimeout(path, wait)
	if errors.Is(err, state.ErrLocked) {
		return nil, fmt.Errorf("stop authgate before managing keys: %w", err)
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return s, nil
}

func dispatch(args []string, store keyStore, out io.Writer, now func() time.Time) error {
	switch args[0] {
	case "new":
		return cmdNew(args[1:], store, out, now)
	case "list":
		return cmdList(args[1:], store, out)
	case "delete":
		return cmdDelete(args[1:], store, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(out io.Writer) {
	types := make([]string, 0, len(models.AccountTypes()))
	for _, t := range models.AccountTypes() {
		types = append(types, fmt.Sprintf("%q", t))
	}

	fmt.Fprintf(out, `authgate-keys commands:

  new <nickname> <accountType>    create a key and print it
  list [-o table|yaml]            list stored keys
  delete nickname|key <value>     remove a key

account types: %s
`, strings.Join(types, ", "))
}

func cmdNew(args []string, store keyStore, out io.Writer, now func() time.Time) error {
	if len(args) != 2 {
		return errors.New("usage: new <nickname> <accountType>")
	}

	nickname := strings.TrimSpace(args[0])
	if nickname == "" {
		return errors.New("nickname must not be empty")
	}

	accountType := models.AccountType(args[1])
	if !accountType.Valid() {
		return fmt.Errorf("invalid account type %q", args[1])
	}

	key := auth.NewAdminKey(nickname, accountType, now())

	if err := store.CreateAdminKey(key); err != nil {
		if errors.Is(err, autherr.ErrDuplicate) {
			return errors.New("Duplicated Key")
		}

		return fmt.Errorf("saving key: %w", err)
	}

	fmt.Fprintln(out, key.ID)

	return nil
}

// listedKey is the list output row. The key itself is not printed.
type listedKey struct {
	Nickname    string `yaml:"nickname"`
	AccountType string `yaml:"accountType"`
	GeneratedAt string `yaml:"generatedAt"`
}

func cmdList(args []string, store keyStore, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(out)
	format := fs.String("o", "table", "output format (table, yaml)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	keys, err := store.AllAdminKeys()
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}

	rows := make([]listedKey, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, listedKey{
			Nickname:    k.Nickname,
			AccountType: string(k.AccountType),
			GeneratedAt: auth.FormatTime(k.GeneratedAt),
		})
	}

	switch *format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)

		if err := enc.Encode(rows); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}

		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NICKNAME\tACCOUNT TYPE\tGENERATED AT")

		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Nickname, r.AccountType, r.GeneratedAt)
		}

		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", *format)
	}
}

func cmdDelete(args []string, store keyStore, out io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: delete nickname|key <value>")
	}

	var err error

	switch args[0] {
	case "nickname":
		err = store.DeleteAdminKeyByNickname(args[1])
	case "key":
		err = store.DeleteAdminKey(args[1])
	default:
		return fmt.Errorf("delete by %q: expected nickname or key", args[0])
	}

	if errors.Is(err, autherr.ErrNotFound) {
		return errors.New("no such key")
	}

	if err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}

	fmt.Fprintln(out, "deleted")

	return nil
}
