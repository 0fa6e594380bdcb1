package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/crypto"
	"github.com/wallera-computer/tzapp/log"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/client"
	"github.com/wallera-computer/tzapp/tee/trusted_os/tz/types"
)

const demoInput = "Hello, TrustZone!"

type args struct {
	config      string
	debug       bool
	keyringDir  string
	newMnemonic bool
	apdu        bool
	counter     uint64
}

func cliArgs() args {
	a := args{}

	flag.StringVar(&a.config, "config", "", "path to a JSON configuration file")
	flag.BoolVar(&a.debug, "debug", false, "enable debug logging")
	flag.StringVar(&a.keyringDir, "keyring-dir", defaultKeyringDir(), "directory holding the provisioning mnemonic")
	flag.BoolVar(&a.newMnemonic, "new-mnemonic", false, "generate and store a new provisioning mnemonic")
	flag.BoolVar(&a.apdu, "apdu", false, "drive the secure world through the APDU and HID framing path")
	flag.Uint64Var(&a.counter, "counter", 0, "use a counter as attestation nonce instead of random bytes")
	flag.Parse()

	return a
}

func loadConfig(path string) (tz.Config, error) {
	if path == "" {
		return tz.DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tz.Config{}, fmt.Errorf("cannot read config, %w", err)
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return tz.Config{}, fmt.Errorf("cannot parse config, %w", err)
	}

	return tz.DecodeConfig(raw)
}

func main() {
	a := cliArgs()
	l := log.New(a.debug)
	sl := l.Sugar()

	cfg, err := loadConfig(a.config)
	notErr(err, sl)

	seed, err := provisioningSeed(a.keyringDir, a.newMnemonic)
	notErr(err, sl)

	gate, err := tz.NewContext(cfg, l)
	notErr(err, sl)

	var b boundary
	if a.apdu {
		b = newHIDBoundary(gate, l)
	} else {
		c := client.Dial(gate)
		defer c.Close()
		b = c
	}

	if err := run(b, seed, a.counter, os.Stdout); err != nil {
		sl.Fatalw("demo failed", "error", err)
	}
}

// run walks the boundary through init, provisioning, compute, key storage and attestation.
func run(b boundary, seed []byte, counter uint64, out io.Writer) error {
	defer mem.Zero(seed)

	if err := b.SecureInit(); err != nil {
		return fmt.Errorf("cannot initialize secure world, %w", err)
	}

	if err := b.Provision(seed); err != nil {
		return fmt.Errorf("cannot provision secure world, %w", err)
	}

	res, err := b.SecureCompute([]byte(demoInput))
	if err != nil {
		return fmt.Errorf("cannot compute, %w", err)
	}
	fmt.Fprintf(out, "compute(%q) = %x\n", demoInput, res)

	if _, err := b.SecureKeyOperation("demo", []byte{0x01, 0x02, 0x03}, true); err != nil {
		return fmt.Errorf("cannot store key, %w", err)
	}

	got, err := b.SecureKeyOperation("demo", make([]byte, 3), false)
	if err != nil {
		return fmt.Errorf("cannot retrieve key, %w", err)
	}

	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		return fmt.Errorf("retrieved %x, stored 010203", got)
	}
	fmt.Fprintf(out, "retrieve(demo) = %x\n", got)

	nonce, err := attestationNonce(counter)
	if err != nil {
		return err
	}

	r, err := b.GenerateAttestation(nonce)
	if err != nil {
		return fmt.Errorf("cannot attest, %w", err)
	}

	pub, err := b.AttestationPublicKey()
	if err != nil {
		return fmt.Errorf("cannot read attestation key, %w", err)
	}

	if err := crypto.VerifyReport(pub, r.Measurement, r.Freshness, r.Signature); err != nil {
		return fmt.Errorf("report does not verify, %w", err)
	}

	id, err := crypto.Identity(pub)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "measurement %x\nfreshness   %x\nsignature   %x\nidentity    %s\n",
		r.Measurement, r.Freshness, r.Signature, id)

	return nil
}

func attestationNonce(counter uint64) ([]byte, error) {
	if counter != 0 {
		return types.NonceFromCounter(counter), nil
	}

	return crypto.RandomBytes(types.FreshnessSize)
}

// since we're in a critical configuration phase, panic on error.
func notErr(e error, l *zap.SugaredLogger) {
	if e != nil {
		l.Panic(e)
	}
}
