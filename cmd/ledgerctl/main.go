// Package main is ledgerctl, the operator tool for the ledger: it creates
// identities and salts, mints authorization proofs, derives beneficiary ids
// and checks exported audit trails.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/config"
	"github.com/onnwee/diverge/internal/pseudonym"
	"github.com/onnwee/diverge/internal/validate"
)

// keyEnv supplies the private key when -key is not given.
const keyEnv = "LEDGERCTL_KEY"

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(args []string, stdin io.Reader, stdout io.Writer) error
}

var commands = []command{
	{"keygen", "create an identity and its private key", keygen},
	{"salt", "create a random installation salt", newSalt},
	{"proof", "mint an authorization proof for an operation", proof},
	{"bid", "derive the beneficiary id for a name and pin", bid},
	{"verify-audit", "check the hash chain of an exported audit trail", verifyAudit},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-help" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		err := c.run(args[1:], stdin, stdout)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, errUsage):
			return 2
		default:
			fmt.Fprintf(stderr, "ledgerctl %s: %v\n", c.name, err)
			return 1
		}
	}

	fmt.Fprintf(stderr, "ledgerctl: unknown command %q\n\n", args[0])
	usage(stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Diverge Ledger Control")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ledgerctl <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-13s %s\n", c.name, c.summary)
	}
}

func newFlagSet(name string, stdout io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("ledgerctl "+name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	return fs
}

func keygen(args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("keygen", stdout)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	id, key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "identity:    %s\n", id)
	fmt.Fprintf(stdout, "private_key: %s\n", auth.EncodePrivateKey(key))
	return nil
}

func newSalt(args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("salt", stdout)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var salt pseudonym.Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	fmt.Fprintln(stdout, hex.EncodeToString(salt[:]))
	return nil
}

func proof(args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("proof", stdout)
	keyHex := fs.String("key", "", "hex private key (default $"+keyEnv+")")
	op := fs.String("op", "", "operation: "+auth.OpSetProviderAuthorization+", "+auth.OpRecordSession+" or "+auth.OpExportAudit)
	audience := fs.String("audience", config.DefaultProofAudience, "proof audience configured on the server")
	ttl := fs.Duration("ttl", time.Minute, "proof lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *keyHex == "" {
		*keyHex = os.Getenv(keyEnv)
	}
	if *keyHex == "" || *op == "" {
		fs.Usage()
		return errUsage
	}
	switch *op {
	case auth.OpSetProviderAuthorization, auth.OpRecordSession, auth.OpExportAudit:
	default:
		return fmt.Errorf("unknown operation %q", *op)
	}

	key, err := auth.ParsePrivateKey(*keyHex)
	if err != nil {
		return err
	}
	token, err := auth.NewSigner(key, *audience).WithTTL(*ttl).Proof(*op)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func bid(args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("bid", stdout)
	saltHex := fs.String("salt", "", "installation salt (hex)")
	name := fs.String("name", "", "beneficiary name")
	pin := fs.String("pin", "", "beneficiary pin")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *saltHex == "" {
		fs.Usage()
		return errUsage
	}

	salt, err := pseudonym.ParseSalt(*saltHex)
	if err != nil {
		return err
	}
	n, err := validate.BeneficiaryName(*name)
	if err != nil {
		return fmt.Errorf("name: %w", err)
	}
	p, err := validate.Pin(*pin)
	if err != nil {
		return fmt.Errorf("pin: %w", err)
	}

	text, err := pseudonym.Derive(salt, []byte(n), []byte(p)).MarshalText()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(text))
	return nil
}

func verifyAudit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("verify-audit", stdout)
	path := fs.String("file", "-", "JSON export from GET /v1/admin/audit, - for stdin")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	in := stdin
	if *path != "-" {
		f, err := os.Open(*path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var entries []*audit.Entry
	if err := json.NewDecoder(in).Decode(&entries); err != nil {
		return fmt.Errorf("decode export: %w", err)
	}
	if err := audit.Verify(entries); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ok: %d entries\n", len(entries))
	return nil
}
