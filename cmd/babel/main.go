// Command babel is the BabelStorage CLI: upload, download,
// verify-metadata, info, and keygen subcommands over a Library of
// Babel oracle (§6.3).
//
// Subcommand dispatch on os.Args[1], each with its own flag.FlagSet,
// follows the teacher's one-binary-per-concern cmd/ layout collapsed
// into a single entry point; the per-flag defaults and
// emoji-narrated progress messages follow cmd/encoder and
// cmd/stego-send.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/metadata"
	"github.com/faanross/babelstorage/internal/oracle"
	"github.com/faanross/babelstorage/internal/orchestrator"
	"github.com/faanross/babelstorage/internal/sign"
)

const defaultOracleURL = "https://libraryofbabel.info"

// Exit codes (§6.3).
const (
	exitOK              = 0
	exitOther           = 1
	exitUsage           = 2
	exitIntegrityFailed = 3
	exitOracleFailed    = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	var err error
	switch os.Args[1] {
	case "upload":
		err = runUpload(os.Args[2:])
	case "download":
		err = runDownload(os.Args[2:])
	case "verify-metadata":
		err = runVerifyMetadata(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "keygen":
		err = runKeygen(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "❌ unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: babel <upload|download|verify-metadata|info|keygen> [flags]")
}

// exitCodeFor maps a bserr.Kind to §6.3's exit code table. errors.As
// unwraps any fmt.Errorf("...: %w", ...) wrapping along the way — e.g.
// oracle.SearchAll wraps a per-chunk *bserr.Error with the chunk index
// before returning it.
func exitCodeFor(err error) int {
	var be *bserr.Error
	if !errors.As(err, &be) {
		return exitOther
	}

	switch be.Kind {
	case bserr.ChunkHashMismatch, bserr.FileHashMismatch, bserr.ChunkLengthMismatch,
		bserr.BadSignature, bserr.MissingSignature, bserr.SchemaError, bserr.UnsupportedProtocolVersion:
		return exitIntegrityFailed
	case bserr.OracleUnavailable, bserr.OracleProtocolError:
		return exitOracleFailed
	case bserr.BadInput, bserr.BadAlphabet, bserr.BadVersion, bserr.BadLength, bserr.BadKey:
		return exitUsage
	default:
		return exitOther
	}
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	input := fs.String("input", "", "path to the file to upload")
	out := fs.String("metadata", "", "path to write the resulting metadata record")
	oracleURL := fs.String("oracle", defaultOracleURL, "base URL of the oracle instance")
	privkey := fs.String("privkey", "", "optional path to a PEM private key to sign the record with")
	timeout := fs.Duration("timeout", 60*time.Second, "per-request oracle timeout")
	concurrency := fs.Int("concurrency", 4, "bounded concurrency for oracle searches")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	fs.Parse(args)

	if *input == "" || *out == "" {
		return bserr.New(bserr.BadInput, "upload requires -input and -metadata", nil)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		return bserr.New(bserr.BadInput, "failed to read input file", err)
	}

	var priv *rsa.PrivateKey
	if *privkey != "" {
		priv, err = loadPrivateKeyWithPrompt(*privkey)
		if err != nil {
			return err
		}
	}

	client := newOracleClient(*oracleURL, *timeout, *concurrency)
	orch := orchestrator.New(client, true)

	if !*quiet {
		fmt.Printf("\n📤 UPLOADING: %s\n", *input)
	}

	ctx := context.Background()
	progressDone := make(chan struct{})
	if !*quiet {
		sub := orch.Subscribe("upload")
		go func() {
			for p := range sub {
				fmt.Printf("   [%s] %d/%d %s\n", p.Phase, p.Current, p.Total, p.Message)
			}
			close(progressDone)
		}()
	}

	result, err := orch.Upload(ctx, "upload", filepathBase(*input), data, priv)
	if !*quiet {
		<-progressDone
	}
	if err != nil {
		return err
	}

	blob, err := metadata.Save(result.Record)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		return bserr.New(bserr.BadInput, "failed to write metadata file", err)
	}

	fmt.Printf("✅ upload complete: %d chunks, metadata written to %s\n", result.Record.ChunkCount, *out)
	return nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	metaPath := fs.String("metadata", "", "path to the metadata record to download from")
	out := fs.String("output", "", "path to write the recovered file")
	oracleURL := fs.String("oracle", defaultOracleURL, "base URL of the oracle instance")
	pubkey := fs.String("pubkey", "", "optional path to a PEM public key to verify the record's signature")
	strict := fs.Bool("strict", false, "fail on any integrity or signature mismatch")
	timeout := fs.Duration("timeout", 60*time.Second, "per-request oracle timeout")
	concurrency := fs.Int("concurrency", 4, "oracle search concurrency limit (download fetches chunks one at a time)")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	fs.Parse(args)

	if *metaPath == "" || *out == "" {
		return bserr.New(bserr.BadInput, "download requires -metadata and -output", nil)
	}

	record, err := loadRecord(*metaPath, *strict)
	if err != nil {
		return err
	}

	var pub *rsa.PublicKey
	if *pubkey != "" {
		pub, err = loadPublicKey(*pubkey)
		if err != nil {
			return err
		}
	}

	client := newOracleClient(*oracleURL, *timeout, *concurrency)
	orch := orchestrator.New(client, *strict)

	if !*quiet {
		fmt.Printf("\n📥 DOWNLOADING: %s\n", *metaPath)
	}

	ctx := context.Background()
	progressDone := make(chan struct{})
	if !*quiet {
		sub := orch.Subscribe("download")
		go func() {
			for p := range sub {
				fmt.Printf("   [%s] %d/%d %s\n", p.Phase, p.Current, p.Total, p.Message)
			}
			close(progressDone)
		}()
	}

	data, warnings, err := orch.Download(ctx, "download", record, pub)
	if !*quiet {
		<-progressDone
	}
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "⚠️  %s\n", w)
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return bserr.New(bserr.BadInput, "failed to write output file", err)
	}

	fmt.Printf("✅ download complete: wrote %d bytes to %s\n", len(data), *out)
	return nil
}

func runVerifyMetadata(args []string) error {
	fs := flag.NewFlagSet("verify-metadata", flag.ExitOnError)
	metaPath := fs.String("metadata", "", "path to the metadata record to verify")
	pubkey := fs.String("pubkey", "", "optional path to a PEM public key to verify the record's signature")
	strict := fs.Bool("strict", false, "treat schema warnings as fatal")
	fs.Parse(args)

	if *metaPath == "" {
		return bserr.New(bserr.BadInput, "verify-metadata requires -metadata", nil)
	}

	record, err := loadRecord(*metaPath, *strict)
	if err != nil {
		return err
	}

	var pub *rsa.PublicKey
	if *pubkey != "" {
		pub, err = loadPublicKey(*pubkey)
		if err != nil {
			return err
		}
	}

	orch := orchestrator.New(nil, *strict)
	if err := orch.VerifyMetadata(record, pub); err != nil {
		return err
	}

	fmt.Println("✅ metadata record is valid")
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	metaPath := fs.String("metadata", "", "path to the metadata record to summarize")
	fs.Parse(args)

	if *metaPath == "" {
		return bserr.New(bserr.BadInput, "info requires -metadata", nil)
	}

	record, err := loadRecord(*metaPath, false)
	if err != nil {
		return err
	}

	summary := orchestrator.Info(record)
	fmt.Printf("name:             %s\n", summary.OriginalName)
	fmt.Printf("original size:    %d bytes\n", summary.OriginalSize)
	fmt.Printf("compressed size:  %d bytes\n", summary.CompressedSize)
	fmt.Printf("chunks:           %d\n", summary.ChunkCount)
	fmt.Printf("signed:           %t\n", summary.Signed)
	fmt.Printf("protocol version: %d\n", summary.ProtocolVer)
	return nil
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	privOut := fs.String("privkey", "babel_private.pem", "output path for the private key")
	pubOut := fs.String("pubkey", "babel_public.pem", "output path for the public key")
	encrypt := fs.Bool("encrypt", false, "protect the private key with a passphrase")
	fs.Parse(args)

	fmt.Println("\n🔑 Generating RSA-4096 key pair...")
	priv, err := sign.GenerateKeyPair()
	if err != nil {
		return err
	}

	var privPEM []byte
	if *encrypt {
		pass, err := readPassphrase("Enter passphrase (min 8 chars): ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if string(pass) != string(confirm) {
			return bserr.New(bserr.BadKey, "passphrases do not match", nil)
		}
		privPEM, err = sign.MarshalPrivateKeyPEMEncrypted(priv, pass)
		if err != nil {
			return err
		}
	} else {
		privPEM, err = sign.MarshalPrivateKeyPEM(priv)
		if err != nil {
			return err
		}
	}

	pubPEM, err := sign.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*privOut, privPEM, 0o600); err != nil {
		return bserr.New(bserr.BadKey, "failed to write private key", err)
	}
	if err := os.WriteFile(*pubOut, pubPEM, 0o644); err != nil {
		return bserr.New(bserr.BadKey, "failed to write public key", err)
	}

	fp, err := sign.Fingerprint(&priv.PublicKey)
	if err != nil {
		return err
	}
	fmt.Printf("✅ key pair written: %s, %s\n", *privOut, *pubOut)
	fmt.Printf("   fingerprint: %s\n", fp)
	return nil
}

func loadRecord(path string, strict bool) (*metadata.FileRecord, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, bserr.New(bserr.BadInput, "failed to read metadata file", err)
	}
	return metadata.Load(blob, strict)
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "failed to read public key file", err)
	}
	return sign.LoadPublicKeyPEM(data)
}

func loadPrivateKeyWithPrompt(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "failed to read private key file", err)
	}

	priv, err := sign.LoadPrivateKeyPEM(data, nil)
	if err == nil {
		return priv, nil
	}

	pass, promptErr := readPassphrase("Enter private key passphrase: ")
	if promptErr != nil {
		return nil, promptErr
	}
	return sign.LoadPrivateKeyPEM(data, pass)
}

// readPassphrase reads a hidden passphrase from the terminal, the way
// scrypto.GetSecurePassword does in the teacher's CLI tools.
func readPassphrase(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, bserr.New(bserr.BadKey, "passphrase read failed", err)
	}
	if len(pass) < 8 {
		return nil, bserr.New(bserr.BadKey, "passphrase must be at least 8 characters", nil)
	}
	return pass, nil
}

func filepathBase(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// newOracleClient builds a Client with a custom per-request timeout;
// oracle.New's http.Client default isn't exposed for mutation after
// construction.
func newOracleClient(baseURL string, timeout time.Duration, concurrency int) *oracle.Client {
	return oracle.New(baseURL, oracle.WithConcurrency(concurrency), oracle.WithHTTPClient(&http.Client{Timeout: timeout}))
}
