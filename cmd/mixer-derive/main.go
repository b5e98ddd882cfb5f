package main

import (
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/commitment"
	"github.com/solanon/mixer/internal/routing"
)

type hashListFlag [][32]byte

func (f *hashListFlag) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, 0, len(*f))
	for _, h := range *f {
		parts = append(parts, hexutil.Encode(h[:]))
	}
	return strings.Join(parts, ",")
}

func (f *hashListFlag) Set(v string) error {
	h, err := parseHash(v)
	if err != nil {
		return err
	}
	*f = append(*f, h)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("subcommand is required: intermediates|commitment|proof|sign")
	}
	switch sub := strings.TrimSpace(args[0]); sub {
	case "intermediates":
		return runIntermediates(args[1:], stdout)
	case "commitment":
		return runCommitment(args[1:], stdout)
	case "proof":
		return runProof(args[1:], stdout)
	case "sign":
		return runSign(args[1:], stdout)
	default:
		return fmt.Errorf("unsupported subcommand %q (want intermediates|commitment|proof|sign)", sub)
	}
}

// runIntermediates prints the accounts list prefix a mix call needs: one
// derived intermediate per item, with its bump seed.
func runIntermediates(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mixer-derive intermediates", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	programID := fs.String("program-id", "", "mixer program address, base58 (required)")
	party := fs.String("party", "", "mixing party address, base58 (required)")
	nonce := fs.Uint64("nonce", 0, "mix nonce")
	count := fs.Int("count", 1, "number of items in the batch")

	if err := fs.Parse(args); err != nil {
		return err
	}
	program, err := address.Parse(*programID)
	if err != nil {
		return fmt.Errorf("--program-id: %w", err)
	}
	partyAddr, err := address.Parse(*party)
	if err != nil {
		return fmt.Errorf("--party: %w", err)
	}
	if *count <= 0 {
		return errors.New("--count must be > 0")
	}

	for i := 0; i < *count; i++ {
		addr, auth, err := routing.DeriveIntermediate(program, partyAddr, *nonce, uint64(i))
		if err != nil {
			return fmt.Errorf("derive index %d: %w", i, err)
		}
		if _, err := fmt.Fprintf(stdout, "%d %s bump=%d\n", i, addr, auth.Bump()); err != nil {
			return err
		}
	}
	return nil
}

func runCommitment(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mixer-derive commitment", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	amount := fs.Uint64("amount", 0, "deposit amount in lamports")
	secretHex := fs.String("secret", "", "32-byte secret, 0x-hex (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := parseHash(*secretHex)
	if err != nil {
		return fmt.Errorf("--secret: %w", err)
	}
	cm := commitment.Commit(*amount, secret)
	_, err = fmt.Fprintln(stdout, hexutil.Encode(cm[:]))
	return err
}

// runProof prints the root a nullifier chains to and the encoded proof bytes.
func runProof(args []string, stdout io.Writer) error {
	var siblings hashListFlag
	fs := flag.NewFlagSet("mixer-derive proof", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	leafHex := fs.String("nullifier", "", "32-byte nullifier, 0x-hex (required)")
	fs.Var(&siblings, "sibling", "32-byte sibling hash, 0x-hex (repeatable, in chain order)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	leaf, err := parseHash(*leafHex)
	if err != nil {
		return fmt.Errorf("--nullifier: %w", err)
	}
	root := commitment.ChainRoot(leaf, siblings...)
	proof := commitment.EncodeProof(siblings...)
	_, err = fmt.Fprintf(stdout, "root=%s\nproof=%s\n", hexutil.Encode(root[:]), hexutil.Encode(proof))
	return err
}

// runSign signs a request body for mixerd's X-Mixer-Signature header. The
// body must be sent byte for byte as signed.
func runSign(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mixer-derive sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	seedHex := fs.String("seed", "", "32-byte ed25519 key seed, 0x-hex (required)")
	body := fs.String("body", "", "request body to sign (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	seed, err := parseHash(*seedHex)
	if err != nil {
		return fmt.Errorf("--seed: %w", err)
	}
	if *body == "" {
		return errors.New("--body is required")
	}
	priv := ed25519.NewKeyFromSeed(seed[:])
	var signer address.Address
	copy(signer[:], priv.Public().(ed25519.PublicKey))
	sig := ed25519.Sign(priv, []byte(*body))
	_, err = fmt.Fprintf(stdout, "address=%s\nsignature=%s\n", signer, base58.Encode(sig))
	return err
}

func parseHash(raw string) ([32]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("must be 32 bytes, got %d", len(b))
	}
	return [32]byte(b), nil
}
